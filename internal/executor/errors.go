package executor

import "errors"

var (
	// ErrNoToolAvailable means no registered tool matches the task.
	ErrNoToolAvailable = errors.New("no tool available for task")

	// ErrAllStrategiesFailed means every strategy in the ladder was exhausted.
	ErrAllStrategiesFailed = errors.New("all strategies failed")

	// ErrRegenDisabled means the regenerate_tool strategy was requested but
	// no regenerator is wired in.
	ErrRegenDisabled = errors.New("tool regeneration is disabled")

	// ErrUnknownStrategy means a configured ladder names a strategy the
	// executor does not implement.
	ErrUnknownStrategy = errors.New("unknown strategy")
)
