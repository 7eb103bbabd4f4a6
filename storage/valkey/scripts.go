package valkey

// Lua scripts run atomically on the Valkey server. Records are JSON objects; status
// replies carry the stored record after a colon so callers can run reuse handling.

// luaSaveIfAbsent stores a record unless the key exists or the family is revoked.
// KEYS[1] record, KEYS[2] revoked family marker (optional), KEYS[3] family index (optional)
// ARGV[1] record JSON, ARGV[2] TTL in milliseconds, ARGV[3] family index member
const luaSaveIfAbsent = `
if KEYS[2] and redis.call('EXISTS', KEYS[2]) == 1 then
  return 'FAMILY_REVOKED'
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'CONFLICT'
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
if KEYS[3] then
  redis.call('SADD', KEYS[3], ARGV[3])
  if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[2]) then
    redis.call('PEXPIRE', KEYS[3], ARGV[2])
  end
end
return 'OK'
`

// luaSaveDevice stores a device authorization and its user code index.
// KEYS[1] device record, KEYS[2] user code index
// ARGV[1] record JSON, ARGV[2] TTL in milliseconds, ARGV[3] device code digest
const luaSaveDevice = `
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 'CONFLICT'
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return 'OK'
`

// luaConsumeCode flips consumed from false to true.
// KEYS[1] code record; ARGV[1] consumed_at
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec.consumed then
  return 'ALREADY_CONSUMED:' .. data
end
rec.consumed = true
rec.consumed_at = ARGV[1]
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaDecideDevice moves a pending device authorization to a final status.
// KEYS[1] device record; ARGV[1] status, ARGV[2] user_id, ARGV[3] decided_at
const luaDecideDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec.status ~= 'pending' then
  return 'ALREADY_DECIDED:' .. data
end
rec.status = ARGV[1]
rec.user_id = ARGV[2]
rec.decided_at = ARGV[3]
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaRecordPoll stores the poll time, widens the interval by ARGV[2] milliseconds and
// replies with the record as it was before.
// KEYS[1] device record; ARGV[1] last_polled_at, ARGV[2] slow down step in milliseconds
const luaRecordPoll = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
rec.last_polled_at = ARGV[1]
local step = tonumber(ARGV[2])
if step > 0 then
  rec.interval_ms = (rec.interval_ms or 0) + step
end
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return data
`

// luaConsumeDevice marks an approved device authorization as exchanged.
// KEYS[1] device record
const luaConsumeDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec.consumed then
  return 'ALREADY_CONSUMED:' .. data
end
if rec.status ~= 'approved' then
  return 'NOT_APPROVED:' .. data
end
rec.consumed = true
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaMarkRefreshUsed flips used from false to true unless the family is revoked.
// KEYS[1] refresh record, KEYS[2] revoked family marker; ARGV[1] used_at
const luaMarkRefreshUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if redis.call('EXISTS', KEYS[2]) == 1 or (rec.revoked_at and rec.revoked_at ~= '') then
  return 'FAMILY_REVOKED:' .. data
end
if rec.used then
  return 'ALREADY_CONSUMED:' .. data
end
rec.used = true
rec.used_at = ARGV[1]
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaRevokeFamily marks the family revoked and stamps revoked_at on every member of the
// family index that is not revoked yet. Replies with the number of records stamped.
// KEYS[1] revoked family marker, KEYS[2] family index
// ARGV[1] revoked_at, ARGV[2] marker retention in milliseconds, ARGV[3] record key prefix
const luaRevokeFamily = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
local revoked = 0
local members = redis.call('SMEMBERS', KEYS[2])
for _, member in ipairs(members) do
  local key = ARGV[3] .. member
  local data = redis.call('GET', key)
  if data then
    local rec = cjson.decode(data)
    if not rec.revoked_at or rec.revoked_at == '' then
      rec.revoked_at = ARGV[1]
      redis.call('SET', key, cjson.encode(rec), 'KEEPTTL')
      revoked = revoked + 1
    end
  end
end
return revoked
`
