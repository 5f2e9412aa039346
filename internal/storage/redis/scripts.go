package redis

const (
	// putSiteRulesScript stores a site's rules, initialising its counters
	// only when the site is new
	putSiteRulesScript = `
local site_key = KEYS[1]        -- kbudget:site:{site}
local sites_set = KEYS[2]       -- kbudget:sites

local site = ARGV[1]
local rules = ARGV[2]
local today = ARGV[3]

redis.call('HSET', site_key, 'website', site, 'rules', rules)

if redis.call('HEXISTS', site_key, 'total_time') == 0 then
  redis.call('HSET', site_key, 'total_time', 0, 'last_accessed_date', today)
end

redis.call('SADD', sites_set, site)

return 'OK'
`

	// deleteSiteScript removes a site and its index entry
	deleteSiteScript = `
local site_key = KEYS[1]
local sites_set = KEYS[2]

local site = ARGV[1]

local deleted = redis.call('DEL', site_key)
redis.call('SREM', sites_set, site)

return deleted
`

	// putGlobalRulesScript stores the global rules, initialising counters on
	// first write
	putGlobalRulesScript = `
local global_key = KEYS[1]      -- kbudget:global

local rules = ARGV[1]
local today = ARGV[2]

redis.call('HSET', global_key, 'rules', rules)

if redis.call('HEXISTS', global_key, 'total_time') == 0 then
  redis.call('HSET', global_key, 'total_time', 0, 'last_accessed_date', today)
end

return 'OK'
`

	// addGlobalWebsiteScript adds a member to the global set, creating the
	// default Global Budget when none exists
	addGlobalWebsiteScript = `
local global_key = KEYS[1]      -- kbudget:global
local websites_set = KEYS[2]    -- kbudget:global:websites

local site = ARGV[1]
local default_rules = ARGV[2]
local today = ARGV[3]

if redis.call('EXISTS', global_key) == 0 then
  redis.call('HSET', global_key,
    'rules', default_rules,
    'total_time', 0,
    'last_accessed_date', today
  )
end

return redis.call('SADD', websites_set, site)
`

	// rolloverScript resets a budget's counter when it belongs to another day.
	// Returns -1 when the budget does not exist, 1 on reset, 0 otherwise.
	rolloverScript = `
local budget_key = KEYS[1]

local today = ARGV[1]

if redis.call('EXISTS', budget_key) == 0 then
  return -1
end

if redis.call('HGET', budget_key, 'last_accessed_date') ~= today then
  redis.call('HSET', budget_key, 'total_time', 0, 'last_accessed_date', today)
  return 1
end

return 0
`

	// addUsageScript credits one tick to the requested scopes and the daily
	// restricted-time statistic. Counters from another day are reset first.
	// Returns {site_total, global_total}; -1 marks a scope that was not
	// credited.
	addUsageScript = `
local site_key = KEYS[1]        -- kbudget:site:{site}
local global_key = KEYS[2]      -- kbudget:global
local restricted_key = KEYS[3]  -- kbudget:stats:daily:restricted

local today = ARGV[1]
local site = ARGV[2]
local seconds = tonumber(ARGV[3])
local in_site = ARGV[4]
local in_global = ARGV[5]

local function credit(key)
  if redis.call('EXISTS', key) == 0 then
    return -1
  end
  if redis.call('HGET', key, 'last_accessed_date') ~= today then
    redis.call('HSET', key, 'total_time', 0, 'last_accessed_date', today)
  elseif (tonumber(redis.call('HGET', key, 'total_time')) or 0) < 0 then
    redis.call('HSET', key, 'total_time', 0)
  end
  return redis.call('HINCRBY', key, 'total_time', seconds)
end

local site_total = -1
local global_total = -1

if in_site == '1' then
  site_total = credit(site_key)
end

if in_global == '1' then
  global_total = credit(global_key)
end

if site_total >= 0 or global_total >= 0 then
  redis.call('HINCRBY', restricted_key, site, seconds)
end

return {site_total, global_total}
`

	// statsRolloverScript archives the daily maps under their recorded day
	// and starts a fresh day. Returns the archived day or an empty string.
	statsRolloverScript = `
local meta_key = KEYS[1]        -- kbudget:stats:daily
local blocked_key = KEYS[2]     -- kbudget:stats:daily:blocked
local restricted_key = KEYS[3]  -- kbudget:stats:daily:restricted
local days_key = KEYS[4]        -- kbudget:stats:history:days

local today = ARGV[1]
local history_prefix = ARGV[2]  -- kbudget:stats:history

local day = redis.call('HGET', meta_key, 'day')

if not day then
  redis.call('HSET', meta_key, 'day', today)
  return ''
end

if day == today then
  return ''
end

local archived_blocked = history_prefix .. ':blocked:' .. day
local archived_restricted = history_prefix .. ':restricted:' .. day

redis.call('DEL', archived_blocked, archived_restricted)

if redis.call('EXISTS', blocked_key) == 1 then
  redis.call('RENAME', blocked_key, archived_blocked)
end

if redis.call('EXISTS', restricted_key) == 1 then
  redis.call('RENAME', restricted_key, archived_restricted)
end

redis.call('SADD', days_key, day)
redis.call('HSET', meta_key, 'day', today)

return day
`

	// pruneHistoryScript deletes archived days strictly before the cutoff
	pruneHistoryScript = `
local days_key = KEYS[1]

local cutoff = ARGV[1]
local history_prefix = ARGV[2]

local removed = 0
local days = redis.call('SMEMBERS', days_key)

for _, day in ipairs(days) do
  if day < cutoff then
    redis.call('DEL', history_prefix .. ':blocked:' .. day, history_prefix .. ':restricted:' .. day)
    redis.call('SREM', days_key, day)
    removed = removed + 1
  end
end

return removed
`
)
