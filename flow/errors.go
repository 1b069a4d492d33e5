package flow

import "errors"

var (
	// ErrAlreadyStarted is returned by StartWorkflow when the id is live;
	// the existing handle accompanies it.
	ErrAlreadyStarted = errors.New("already_started")

	// ErrWorkflowNotFound is returned for ids with no live actor and no
	// stored record.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrUnknownDefinition is returned when a definition key has no
	// registration.
	ErrUnknownDefinition = errors.New("unknown workflow definition")

	// ErrNoTopology is returned when a definition implements neither
	// GraphDefinition nor StepsDefinition.
	ErrNoTopology = errors.New("definition provides neither a graph nor a step list")

	// ErrEngineClosed is returned by operations after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)
