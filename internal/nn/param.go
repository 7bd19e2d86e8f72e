package nn

import (
	"fmt"
	"strings"

	"github.com/samcharles93/dgrna/internal/tensor"
)

// Role tags a parameter for the initialization pass.
type Role uint8

const (
	RoleWeight Role = iota
	RoleBias
	RoleEmbedding
	// RoleResidualOut marks projections that write into the residual stream
	// (mixer out_proj, MLP fc2). They are rescaled by depth.
	RoleResidualOut
	RoleNorm
	// RoleSSM covers state-space specific tensors (A_log, D, dt_bias, conv).
	RoleSSM
)

func (r Role) String() string {
	switch r {
	case RoleBias:
		return "bias"
	case RoleEmbedding:
		return "embedding"
	case RoleResidualOut:
		return "residual_out"
	case RoleNorm:
		return "norm"
	case RoleSSM:
		return "ssm"
	default:
		return "weight"
	}
}

// Param is one named tensor of a module. Data aliases the module's storage,
// so writes through a Param are visible to the module.
type Param struct {
	Name     string
	Shape    []int
	Data     []float32
	Role     Role
	FanIn    int
	NoReinit bool
}

// NumElements returns the product of Shape.
func (p *Param) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

func (p *Param) String() string {
	return fmt.Sprintf("%s%v(%s)", p.Name, p.Shape, p.Role)
}

// Join builds dotted parameter names, skipping empty parts.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func matParam(name string, m *tensor.Mat, role Role) *Param {
	return &Param{Name: name, Shape: m.Shape(), Data: m.Data, Role: role, FanIn: m.C}
}

func vecParam(name string, v []float32, role Role) *Param {
	return &Param{Name: name, Shape: []int{len(v)}, Data: v, Role: role}
}

// Module is implemented by every layer that owns parameters.
type Module interface {
	Params(prefix string) []*Param
}
