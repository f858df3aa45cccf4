package transport

import (
	"encoding/json"
	"fmt"

	"github.com/jangala-dev/nodecore/x/timex"
)

// HeartbeatInfo carries the fields spec §4.6 requires in the heartbeat
// payload that this package cannot compute itself (sensor/actuator
// counts, link quality, node identity).
type HeartbeatInfo struct {
	EspID         string
	ZoneID        string
	MasterZoneID  string
	ZoneAssigned  bool
	UptimeS       int64
	HeapFree      uint32
	LinkRSSI      int32
	SensorCount   int
	ActuatorCount int
	ConfigStatus  map[string]any
}

type heartbeatPayload struct {
	EspID         string         `json:"esp_id"`
	ZoneID        string         `json:"zone_id"`
	MasterZoneID  string         `json:"master_zone_id"`
	ZoneAssigned  bool           `json:"zone_assigned"`
	TS            int64          `json:"ts"`
	UptimeS       int64          `json:"uptime_s"`
	HeapFree      uint32         `json:"heap_free"`
	LinkRSSI      int32          `json:"link_rssi"`
	SensorCount   int            `json:"sensor_count"`
	ActuatorCount int            `json:"actuator_count"`
	ConfigStatus  map[string]any `json:"config_status"`
}

// PublishHeartbeat publishes to <kaiser>/esp/<node>/system/heartbeat
// every T_hb (spec §4.6). force bypasses the throttle; a normal call
// within T_hb of the last heartbeat is a no-op returning false.
func (c *Client) PublishHeartbeat(info HeartbeatInfo, force bool) bool {
	now := c.clockNowMs()

	c.mu.Lock()
	due := force || now-c.lastHeartbeatMono >= c.heartbeatPeriod.Milliseconds()
	if !due {
		c.mu.Unlock()
		return false
	}
	c.lastHeartbeatMono = now
	c.mu.Unlock()

	payload := heartbeatPayload{
		EspID:         info.EspID,
		ZoneID:        info.ZoneID,
		MasterZoneID:  info.MasterZoneID,
		ZoneAssigned:  info.ZoneAssigned,
		TS:            timex.NowUnixSec(),
		UptimeS:       info.UptimeS,
		HeapFree:      info.HeapFree,
		LinkRSSI:      info.LinkRSSI,
		SensorCount:   info.SensorCount,
		ActuatorCount: info.ActuatorCount,
		ConfigStatus:  info.ConfigStatus,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Errorw("heartbeat marshal failed", "err", err)
		return false
	}

	c.mu.Lock()
	topic := fmt.Sprintf("%s/esp/%s/system/heartbeat", c.kaiserID, c.nodeID)
	c.mu.Unlock()
	return c.Publish(topic, data, 0)
}
