package protocol

import (
	"errors"

	"golang.org/x/exp/slices"

	"github.com/lampllab/optotarget/target"
)

var (
	// ErrNoTargets is returned when the table is empty
	ErrNoTargets = errors.New("no targets")

	// ErrNoControlGroup is returned when no target is in group 0
	ErrNoControlGroup = errors.New("no control group")

	// ErrNoStimGroups is returned when every target is in group 0
	ErrNoStimGroups = errors.New("no stimulation groups")

	// ErrGroupsNotConsecutive is returned when the group ids skip a value
	ErrGroupsNotConsecutive = errors.New("group ids are not consecutive")
)

// ConfigError is a protocol configuration that must not be started.
// Message is the text shown to the operator.
type ConfigError struct {
	Err     error
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var messages = map[error]string{
	ErrNoTargets:            "No targets in table",
	ErrNoControlGroup:       "No control group in table",
	ErrNoStimGroups:         "No non-zero groups in table",
	ErrGroupsNotConsecutive: "group values are not consecutive",
}

func configError(err error) *ConfigError {
	return &ConfigError{Err: err, Message: messages[err]}
}

// Validate checks that targets can drive a protocol: there is at least one
// target, group 0 is present, some other group is present, and the distinct
// group ids are exactly 0..max.  The checks run in that order and the first
// failure is returned as a *ConfigError.
func Validate(targets []target.Target) error {
	if len(targets) == 0 {
		return configError(ErrNoTargets)
	}
	groups := target.Groups(targets)
	if !slices.Contains(groups, target.ControlGroup) {
		return configError(ErrNoControlGroup)
	}
	if slices.IndexFunc(groups, func(g int) bool { return g != target.ControlGroup }) < 0 {
		return configError(ErrNoStimGroups)
	}
	for i, g := range groups {
		if g != i {
			return configError(ErrGroupsNotConsecutive)
		}
	}
	return nil
}
