package entity

import (
	"encoding/json"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// AggregateState is the retained whole-spa message published on the
// aggregate topic. Absent temperatures are omitted rather than zeroed.
//
// Snapshot version and fetch time are not included, so identical device
// state always yields identical bytes.
type AggregateState struct {
	SpaID             string         `json:"spaId"`
	CurrentTemp       *float64       `json:"currentTemp,omitempty"`
	DesiredTemp       *float64       `json:"desiredTemp,omitempty"`
	TargetDesiredTemp *float64       `json:"targetDesiredTemp,omitempty"`
	TempRange         spa.TempRange  `json:"tempRange"`
	HeaterMode        spa.HeaterMode `json:"heaterMode"`
	Online            bool           `json:"online"`
	PanelLocked       bool           `json:"panelLocked"`
	PanelLock         string         `json:"panelLock"`
	MinTemp           *float64       `json:"minTemp,omitempty"`
	MaxTemp           *float64       `json:"maxTemp,omitempty"`
	Unit              string         `json:"unit"`
	Device            spa.DeviceInfo `json:"device"`
	Owner             spa.OwnerInfo  `json:"owner"`
}

// NewAggregateState renders the aggregate message for a snapshot.
func NewAggregateState(snap spa.Snapshot) AggregateState {
	st := AggregateState{
		SpaID:             snap.SpaID,
		CurrentTemp:       snap.CurrentTemp,
		DesiredTemp:       snap.DesiredTemp,
		TargetDesiredTemp: snap.TargetDesiredTemp,
		TempRange:         snap.TempRange,
		HeaterMode:        snap.HeaterMode,
		Online:            snap.Online,
		PanelLocked:       snap.PanelLocked,
		PanelLock:         PayloadUnlock,
		Unit:              snap.UnitSymbol(),
		Device:            snap.Device,
		Owner:             snap.Owner,
	}
	if snap.PanelLocked {
		st.PanelLock = PayloadLock
	}
	if snap.HasRangeBounds() {
		lo, hi := snap.MinTemp(), snap.MaxTemp()
		st.MinTemp, st.MaxTemp = &lo, &hi
	}
	return st
}

// StateMessage is one outbound retained state publication.
type StateMessage struct {
	Topic   string
	Payload []byte
}

// StateMessages renders the aggregate message followed by one message per
// component, in snapshot order.
func (m *Mapper) StateMessages(snap spa.Snapshot) ([]StateMessage, error) {
	out := make([]StateMessage, 0, len(snap.Components)+1)

	agg, err := json.Marshal(NewAggregateState(snap))
	if err != nil {
		return nil, err
	}
	out = append(out, StateMessage{Topic: m.AggregateTopic(), Payload: agg})

	for _, c := range snap.Components {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		out = append(out, StateMessage{
			Topic:   m.StateTopicFor(ComponentKey(c.Type, c.Port)),
			Payload: payload,
		})
	}
	return out, nil
}
