package executor

// Heater is the external thermal collaborator. M104/M109/M140/M190 are
// forwarded here, the motion core does not do thermal control itself.
// A target of 0 turns the heater off.
type Heater interface {
	SetHotendTarget(celsius float64) error
	SetBedTarget(celsius float64) error
	HotendReached() bool
	BedReached() bool
}

// NopHeater is used on machines without heaters : targets are dropped
// and waits return immediately.
type NopHeater struct{}

func (NopHeater) SetHotendTarget(float64) error { return nil }
func (NopHeater) SetBedTarget(float64) error    { return nil }
func (NopHeater) HotendReached() bool           { return true }
func (NopHeater) BedReached() bool              { return true }
