package budget

import "github.com/redis/go-redis/v9"

// consumeScript: атомарный read-check-write на стороне Redis.
// KEYS: 1 - запись бюджета, 2 - hash лимитов, 3 - hash usage.
// ARGV: 1 - ресурс, 2 - количество.
// Ответ: {status, total, hard, soft}; status: missing | exceeded | soft | ok.
// При exceeded usage не меняется.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'missing', '0', '', ''}
end
local res = ARGV[1]
local amount = tonumber(ARGV[2])
local current = tonumber(redis.call('HGET', KEYS[3], res) or '0')
local total = current + amount
local hard = redis.call('HGET', KEYS[2], res .. ':hard')
local soft = redis.call('HGET', KEYS[2], res .. ':soft')
if hard and total > tonumber(hard) then
  return {'exceeded', tostring(total), hard, soft or ''}
end
redis.call('HSET', KEYS[3], res, tostring(total))
if soft and total > tonumber(soft) then
  return {'soft', tostring(total), hard or '', soft}
end
return {'ok', tostring(total), hard or '', soft or ''}
`)

const (
	statusMissing  = "missing"
	statusExceeded = "exceeded"
	statusSoft     = "soft"
	statusOK       = "ok"
)
