package controlmyspa

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// flexString decodes a JSON string, number, bool or null into a string.
// The cloud API is inconsistent about quoting numeric fields.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(data)
	}
	return nil
}

// flexInt decodes a JSON number or numeric string. Null and empty strings
// leave Valid false.
type flexInt struct {
	Value int
	Valid bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*f = flexInt{}
		return nil
	}
	n, err := strconv.Atoi(str)
	if err != nil {
		fl, ferr := strconv.ParseFloat(str, 64)
		if ferr != nil {
			return err
		}
		n = int(fl)
	}
	*f = flexInt{Value: n, Valid: true}
	return nil
}

// ptr returns nil unless the value was present.
func (f flexInt) ptr() *int {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// flexFloat decodes a JSON number or numeric string, defaulting to 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// flexBool decodes a JSON bool or a "true"/"false" string.
type flexBool struct {
	Value bool
	Valid bool
}

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(string(s)))
	if err != nil {
		*f = flexBool{}
		return nil
	}
	*f = flexBool{Value: b, Valid: true}
	return nil
}

// firstBool returns the first present value.
func firstBool(vals ...flexBool) bool {
	for _, v := range vals {
		if v.Valid {
			return v.Value
		}
	}
	return false
}

// idmResponse is the token endpoint discovery document.
type idmResponse struct {
	MobileClientID     string `json:"mobileClientId"`
	MobileClientSecret string `json:"mobileClientSecret"`
	Links              struct {
		TokenEndpoint   link `json:"tokenEndpoint"`
		RefreshEndpoint link `json:"refreshEndpoint"`
		Whoami          link `json:"whoami"`
	} `json:"_links"`
}

type link struct {
	Href string `json:"href"`
}

// tokenResponse is the OAuth password grant response.
type tokenResponse struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	ExpiresIn   flexInt `json:"expires_in"`
}

// whoamiResponse is the account owner profile.
type whoamiResponse struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Address   struct {
		Address1 string `json:"address1"`
	} `json:"address"`
}

func (w whoamiResponse) owner() spa.OwnerInfo {
	return spa.OwnerInfo{
		FirstName: w.FirstName,
		LastName:  w.LastName,
		Phone:     w.Phone,
		Email:     w.Email,
		Address:   w.Address.Address1,
		FullName:  strings.TrimSpace(w.FirstName + " " + w.LastName),
	}
}

// spaResponse is the findByUsername document.
type spaResponse struct {
	ID               string     `json:"_id"`
	SerialNumber     flexString `json:"serialNumber"`
	ProductName      string     `json:"productName"`
	Model            string     `json:"model"`
	DealerName       string     `json:"dealerName"`
	RegistrationDate flexString `json:"registrationDate"`
	ManufacturedDate flexString `json:"manufacturedDate"`
	Dealer           struct {
		Name string `json:"name"`
	} `json:"dealer"`
	SystemInfo struct {
		BuildNumber flexString `json:"buildNumber"`
	} `json:"systemInfo"`
	IsOnline      flexBool     `json:"isOnline"`
	IsPanelLocked flexBool     `json:"isPanelLocked"`
	RangeLimits   *rangeLimits `json:"rangeLimits"`
	CurrentState  stateDoc     `json:"currentState"`
}

type stateDoc struct {
	CurrentTemp       flexString     `json:"currentTemp"`
	DesiredTemp       flexString     `json:"desiredTemp"`
	TargetDesiredTemp flexString     `json:"targetDesiredTemp"`
	HeaterMode        string         `json:"heaterMode"`
	TempRange         string         `json:"tempRange"`
	PanelLock         flexBool       `json:"panelLock"`
	Online            flexBool       `json:"online"`
	SetupParams       *rangeLimits   `json:"setupParams"`
	RangeLimits       *rangeLimits   `json:"rangeLimits"`
	Components        []componentDoc `json:"components"`
}

type rangeLimits struct {
	HighRangeLow  flexFloat `json:"highRangeLow"`
	HighRangeHigh flexFloat `json:"highRangeHigh"`
	LowRangeLow   flexFloat `json:"lowRangeLow"`
	LowRangeHigh  flexFloat `json:"lowRangeHigh"`
}

func (r *rangeLimits) limits() (spa.RangeLimits, bool) {
	if r == nil {
		return spa.RangeLimits{}, false
	}
	l := spa.RangeLimits{
		HighRangeLow:  float64(r.HighRangeLow),
		HighRangeHigh: float64(r.HighRangeHigh),
		LowRangeLow:   float64(r.LowRangeLow),
		LowRangeHigh:  float64(r.LowRangeHigh),
	}
	return l, l != spa.RangeLimits{}
}

type componentDoc struct {
	ComponentType   string       `json:"componentType"`
	Port            flexInt      `json:"port"`
	Value           flexString   `json:"value"`
	Name            string       `json:"name"`
	AvailableValues []flexString `json:"availableValues"`
	Hour            flexInt      `json:"hour"`
	Minute          flexInt      `json:"minute"`
	DurationMinutes flexInt      `json:"durationMinutes"`
}

// rawState maps the spa document into the transport-level state. The
// device block prefers the top-level dealerName and falls back to dealer.name.
func (s spaResponse) rawState(owner spa.OwnerInfo) spa.RawState {
	cs := s.CurrentState

	raw := spa.RawState{
		SpaID:             s.ID,
		CurrentTemp:       string(cs.CurrentTemp),
		DesiredTemp:       string(cs.DesiredTemp),
		TargetDesiredTemp: string(cs.TargetDesiredTemp),
		HeaterMode:        cs.HeaterMode,
		TempRange:         cs.TempRange,
		PanelLocked:       firstBool(cs.PanelLock, s.IsPanelLocked),
		Online:            firstBool(cs.Online, s.IsOnline),
		Owner:             owner,
		Device: spa.DeviceInfo{
			SerialNumber:     string(s.SerialNumber),
			ProductName:      orNA(s.ProductName),
			Model:            orNA(s.Model),
			DealerName:       s.DealerName,
			RegistrationDate: orNA(string(s.RegistrationDate)),
			ManufacturedDate: orNA(string(s.ManufacturedDate)),
			BuildNumber:      string(s.SystemInfo.BuildNumber),
		},
	}
	if raw.Device.DealerName == "" {
		raw.Device.DealerName = s.Dealer.Name
	}

	for _, r := range []*rangeLimits{cs.SetupParams, cs.RangeLimits, s.RangeLimits} {
		if l, ok := r.limits(); ok {
			raw.RangeLimits = l
			break
		}
	}

	raw.Components = make([]spa.RawComponent, 0, len(cs.Components))
	for _, c := range cs.Components {
		rc := spa.RawComponent{
			Type:            c.ComponentType,
			Port:            c.Port.Value,
			Value:           string(c.Value),
			Name:            c.Name,
			Hour:            c.Hour.ptr(),
			Minute:          c.Minute.ptr(),
			DurationMinutes: c.DurationMinutes.ptr(),
		}
		for _, v := range c.AvailableValues {
			rc.AvailableValues = append(rc.AvailableValues, string(v))
		}
		raw.Components = append(raw.Components, rc)
	}
	return raw
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// ackResponse is the body of an accepted control request.
type ackResponse struct {
	Values map[string]flexString `json:"values"`
}
