package model

type GatewayType string

const (
	GatewayTypeExclusive GatewayType = "EXCLUSIVE"
	GatewayTypeParallel  GatewayType = "PARALLEL"
	GatewayTypeInclusive GatewayType = "INCLUSIVE"
)

// Gateway carries the gateway kind and the optional default outgoing flow.
type Gateway struct {
	Type        GatewayType `yaml:"type" json:"type"`
	DefaultFlow string      `yaml:"default,omitempty" json:"default,omitempty"`
	// Join names the converging inclusive gateway paired with a diverging one.
	Join string `yaml:"join,omitempty" json:"join,omitempty"`
}

func (t GatewayType) Valid() bool {
	switch t {
	case GatewayTypeExclusive, GatewayTypeParallel, GatewayTypeInclusive:
		return true
	}
	return false
}

func (t GatewayType) IsExclusive() bool {
	return t == GatewayTypeExclusive
}

func (t GatewayType) IsParallelOrInclusive() bool {
	return t == GatewayTypeParallel || t == GatewayTypeInclusive
}

func (g Gateway) IsExclusive() bool {
	return g.Type.IsExclusive()
}

func (g Gateway) IsParallelOrInclusive() bool {
	return g.Type.IsParallelOrInclusive()
}
