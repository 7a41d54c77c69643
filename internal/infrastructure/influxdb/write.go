package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// Measurement names.
const (
	MeasurementTemperature = "spa_temperature"
	MeasurementComponent   = "spa_component"
	MeasurementStatus      = "spa_status"
)

// WriteSnapshot records a snapshot as telemetry. The write is non-blocking;
// points are batched and failures surface through SetOnError.
func (c *Client) WriteSnapshot(snap spa.Snapshot) {
	if !c.IsConnected() {
		return
	}

	for _, p := range SnapshotPoints(snap) {
		c.writeAPI.WritePoint(p)
	}
}

// SnapshotPoints converts a snapshot into telemetry points, all stamped
// with the snapshot's fetch time.
//
//	spa_temperature,spa_id=…,unit=F current=101,desired=102
//	spa_component,port=0,spa_id=…,type=light value=1
//	spa_status,spa_id=… online=true,panel_locked=false,heater_ready=true
func SnapshotPoints(snap spa.Snapshot) []*write.Point {
	ts := snap.FetchedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	points := make([]*write.Point, 0, len(snap.Components)+2)

	temps := map[string]any{}
	if snap.CurrentTemp != nil {
		temps["current"] = *snap.CurrentTemp
	}
	if snap.DesiredTemp != nil {
		temps["desired"] = *snap.DesiredTemp
	}
	if snap.TargetDesiredTemp != nil {
		temps["target_desired"] = *snap.TargetDesiredTemp
	}
	// A point without fields is rejected by the server.
	if len(temps) > 0 {
		points = append(points, write.NewPoint(
			MeasurementTemperature,
			map[string]string{
				"spa_id": snap.SpaID,
				"unit":   snap.UnitSymbol(),
			},
			temps,
			ts,
		))
	}

	for _, comp := range snap.Components {
		value := 0
		if comp.IsOn() {
			value = 1
		}
		points = append(points, write.NewPoint(
			MeasurementComponent,
			map[string]string{
				"spa_id": snap.SpaID,
				"type":   comp.Type.Slug(),
				"port":   strconv.Itoa(comp.Port),
			},
			map[string]any{"value": value},
			ts,
		))
	}

	points = append(points, write.NewPoint(
		MeasurementStatus,
		map[string]string{"spa_id": snap.SpaID},
		map[string]any{
			"online":       snap.Online,
			"panel_locked": snap.PanelLocked,
			"heater_ready": snap.HeaterMode == spa.HeaterReady,
		},
		ts,
	))

	return points
}
