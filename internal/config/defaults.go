package config

// DefaultYAML is written by init-config.
const DefaultYAML = `# voxgate configuration
controller:
  # ws://, wss:// or tcp:// (newline-delimited JSON)
  endpoint: ws://homeassistant.local:8123/api/websocket
  # long-lived access token; prefer token_env
  token_env: VOXGATE_TOKEN
  request_timeout: 5s
  auth_timeout: 10s
  subscribe_events:
    - state_changed
    - remote_button

policy:
  allowed_domains:
    - light
    - switch
    - fan
    - media_player
    - scene
    - climate
    - cover
    - lock
    - vacuum
  # empty means every entity in an allowed domain
  entity_allow_list: []
  require_confirmation_for_high_risk: true
  safe_band:
    min: 10
    max: 30
  max_targets: 5

audit:
  capacity: 1000
  # durable hash-chained log; empty keeps the trail in memory only
  path: ""

server:
  health_addr: 127.0.0.1:9090

dispatch:
  # 0 disables the limit
  rate_per_second: 0
  burst: 1

log:
  level: info
  format: text
  file: ""
`
