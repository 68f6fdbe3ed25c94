package rolestate

import "github.com/redis/go-redis/v9"

// Script replies are {status, version[, pttl]}.
const (
	statusOK               = "OK"
	statusVersionConflict  = "VERSION_CONFLICT"
	statusVersionRace      = "VERSION_RACE"
	statusConcurrentUpdate = "CONCURRENT_UPDATE"
	statusLocked           = "LOCKED"
	statusNotFound         = "NOT_FOUND"
	statusRestored         = "RESTORED"
	statusDeleted          = "DELETED"
)

// readScript returns the record's field/value pairs, empty when absent.
//
// KEYS: record
var readScript = redis.NewScript(`return redis.call('HGETALL', KEYS[1])`)

// versionScript returns the record's version, 0 when absent.
//
// KEYS: record
var versionScript = redis.NewScript(`
return tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
`)

// updateScript writes a new record version.
//
// KEYS: record, lock, snapshot
// ARGV: expected version ("" skips the check), assumed current version,
// snapshot ("1"/"0"), snapshot TTL ms, lock token, then the record's
// field/value pairs.
//
// The checksum covers the version, so the caller computes it for
// assumed+1 and the script refuses to write if the live version is not the
// assumed one.
var updateScript = redis.NewScript(`
local lock = redis.call('GET', KEYS[2])
if lock and lock ~= ARGV[5] then
  return {'CONCURRENT_UPDATE', 0}
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if ARGV[1] ~= '' and tonumber(ARGV[1]) ~= cur then
  return {'VERSION_CONFLICT', cur}
end
if tonumber(ARGV[2]) ~= cur then
  return {'VERSION_RACE', cur}
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[3]) == 0 then
  local prev = redis.call('HGETALL', KEYS[1])
  if #prev == 0 then
    redis.call('HSET', KEYS[3], '__empty', '1')
  else
    redis.call('HSET', KEYS[3], unpack(prev))
  end
  redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
local fields = {}
for i = 6, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
return {'OK', cur + 1}
`)

// lockScript takes the user's optimistic lock.
//
// KEYS: record, lock
// ARGV: expected version ("" skips the check), token, TTL ms
var lockScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if ARGV[1] ~= '' and tonumber(ARGV[1]) ~= cur then
  return {'VERSION_CONFLICT', cur, 0}
end
if not redis.call('SET', KEYS[2], ARGV[2], 'NX', 'PX', ARGV[3]) then
  return {'LOCKED', cur, redis.call('PTTL', KEYS[2])}
end
return {'OK', cur, redis.call('PTTL', KEYS[2])}
`)

// unlockScript deletes the lock only if it still holds the caller's token.
//
// KEYS: lock
// ARGV: token
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// rollbackScript restores a record from its snapshot and consumes the snapshot.
//
// KEYS: record, snapshot, lock
var rollbackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
  return {'NOT_FOUND', 0}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'CONCURRENT_UPDATE', 0}
end
if redis.call('HEXISTS', KEYS[2], '__empty') == 1 then
  redis.call('DEL', KEYS[1], KEYS[2])
  return {'DELETED', 0}
end
local snap = redis.call('HGETALL', KEYS[2])
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('HSET', KEYS[1], unpack(snap))
return {'RESTORED', tonumber(redis.call('HGET', KEYS[1], 'version') or '0')}
`)

// batchCheckScript compares live versions against expectations.
//
// KEYS: records
// ARGV: expected versions, same order
// Reply: one {current, changed (0/1)} pair per key.
var batchCheckScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
  local cur = tonumber(redis.call('HGET', key, 'version') or '0')
  local changed = 0
  if cur ~= tonumber(ARGV[i]) then
    changed = 1
  end
  out[i] = {cur, changed}
end
return out
`)
