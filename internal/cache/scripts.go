package cache

import goredis "github.com/redis/go-redis/v9"

// flushScript deletes every cache entry key of one tenant and its expiration
// index members in a single round trip.
//
// KEYS[1] expiration index
// ARGV[1] entry key pattern, ARGV[2] index member pattern
// Returns the number of entries (metadata keys) deleted.
var flushScript = goredis.NewScript(`
local entries = 0
local cursor = "0"
repeat
  local res = redis.call("SCAN", cursor, "MATCH", ARGV[1], "COUNT", 1000)
  cursor = res[1]
  local keys = res[2]
  if #keys > 0 then
    for _, key in ipairs(keys) do
      if string.sub(key, -2) == ":m" then
        entries = entries + 1
      end
    end
    redis.call("DEL", unpack(keys))
  end
until cursor == "0"

cursor = "0"
repeat
  local res = redis.call("ZSCAN", KEYS[1], cursor, "MATCH", ARGV[2], "COUNT", 1000)
  cursor = res[1]
  local items = res[2]
  for i = 1, #items, 2 do
    redis.call("ZREM", KEYS[1], items[i])
  end
until cursor == "0"

return entries
`)
