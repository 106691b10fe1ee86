package store

import "github.com/redis/go-redis/v9"

// reservationScript implements spec.md §4.D: read the cardinality of the
// running-set, reject if it is already at the limit, otherwise add the
// candidate member and allow. The whole sequence executes as a single
// uninterruptible operation inside Redis, so concurrent callers targeting
// the same set are serialized by the server rather than racing on a
// read-then-write round trip from the client.
//
// Keys:
//
//	KEYS[1] - the running-set key (user:{userId}:{tier}:jobs)
//
// Args:
//
//	ARGV[1] - limit, the tier's maxConcurrent, as integer text
//	ARGV[2] - member, the candidate jobId
//
// Returns:
//
//	0 if the set was already at or above limit (REJECTED)
//	1 if member was added (ALLOWED)
var reservationScript = redis.NewScript(`
local set_key = KEYS[1]
local limit = tonumber(ARGV[1])
local member = ARGV[2]

local current = redis.call('SCARD', set_key)
if current >= limit then
    return 0
end

redis.call('SADD', set_key, member)
return 1
`)
