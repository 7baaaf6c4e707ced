package arborq

import (
	"encoding/json"
	"fmt"
)

// OptionType identifies which submission-time setting an Option carries.
type OptionType int

const (
	PoolOpt OptionType = iota
	NameOpt
	ArgsOpt
	RemoveDelayOpt
	UserDataOpt
)

// Option configures a Spec at construction time. Specify any number of
// Options to Queue.Chain, Queue.Group, or Queue.Leaf.
type Option interface {
	String() string
	Type() OptionType
	Value() interface{}
}

type (
	poolOption        string
	nameOption        string
	argsOption        []json.RawMessage
	removeDelayOption int64
	userDataOption    json.RawMessage
)

// WithPool returns an Option that places the task on the named pool.
// Workers claim commands from pools they've been configured to consume.
func WithPool(name string) Option { return poolOption(name) }

func (o poolOption) String() string     { return fmt.Sprintf("WithPool(%q)", string(o)) }
func (o poolOption) Type() OptionType   { return PoolOpt }
func (o poolOption) Value() interface{} { return string(o) }

// WithName overrides the template name a Spec is submitted under. Built-in
// chain and group composites default to "chain"/"group"; this lets a
// caller target a name registered via Queue.ExtendChain/ExtendGroup
// instead, whose init hook may itself supply the children.
func WithName(name string) Option { return nameOption(name) }

func (o nameOption) String() string     { return fmt.Sprintf("WithName(%q)", string(o)) }
func (o nameOption) Type() OptionType   { return NameOpt }
func (o nameOption) Value() interface{} { return string(o) }

// WithArgs sets the task's initial argument sequence.
func WithArgs(args ...json.RawMessage) Option { return argsOption(args) }

func (o argsOption) String() string     { return fmt.Sprintf("WithArgs(%d args)", len(o)) }
func (o argsOption) Type() OptionType   { return ArgsOpt }
func (o argsOption) Value() interface{} { return []json.RawMessage(o) }

// WithRemoveDelay sets how many milliseconds a finished task's record
// survives before the janitor deletes it.
func WithRemoveDelay(ms int64) Option { return removeDelayOption(ms) }

func (o removeDelayOption) String() string     { return fmt.Sprintf("WithRemoveDelay(%dms)", int64(o)) }
func (o removeDelayOption) Type() OptionType   { return RemoveDelayOpt }
func (o removeDelayOption) Value() interface{} { return int64(o) }

// WithUserData attaches opaque caller-supplied JSON to the task record.
func WithUserData(data json.RawMessage) Option { return userDataOption(data) }

func (o userDataOption) String() string     { return "WithUserData(...)" }
func (o userDataOption) Type() OptionType   { return UserDataOpt }
func (o userDataOption) Value() interface{} { return json.RawMessage(o) }

const defaultPool = "default"

// composeOptions merges opts over a set of defaults, mirroring the
// teacher's client option composition.
func composeOptions(opts ...Option) specOptions {
	so := specOptions{pool: defaultPool, removeDelay: defaultRemoveDelayMs}
	for _, opt := range opts {
		switch o := opt.(type) {
		case poolOption:
			so.pool = string(o)
		case nameOption:
			so.name = string(o)
		case argsOption:
			so.args = []json.RawMessage(o)
		case removeDelayOption:
			so.removeDelay = int64(o)
		case userDataOption:
			so.userData = json.RawMessage(o)
		}
	}
	return so
}

type specOptions struct {
	pool        string
	name        string
	args        []json.RawMessage
	removeDelay int64
	userData    json.RawMessage
}

// defaultRemoveDelayMs is how long a finished task's record survives
// before the janitor sweeps it, absent an explicit WithRemoveDelay.
const defaultRemoveDelayMs = int64(24 * 60 * 60 * 1000)
