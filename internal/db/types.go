package db

import (
	"encoding/json"
	"time"
)

// ModbusType distinguishes the two Modbus object kinds a parameter can
// be backed by.
type ModbusType string

const (
	ModbusHolding ModbusType = "holding"
	ModbusCoil    ModbusType = "coil"
)

// DataType is the parameter's value representation.
type DataType string

const (
	DataFloat32 DataType = "float32"
	DataInt32   DataType = "int32"
	DataInt16   DataType = "int16"
	DataBinary  DataType = "binary"
)

// Parameter mirrors component_parameters joined with
// component_parameter_definitions for name/unit/description.
type Parameter struct {
	ID               string
	Name             string
	Component        string
	Unit             string
	Description      string
	ModbusReadAddr   *uint16
	ModbusWriteAddr  *uint16
	ModbusType       ModbusType
	DataType         DataType
	Min              float64
	Max              float64
	CurrentValue     float64
	SetValue         float64
	IsWritable       bool
	IsCritical       bool
	ValveNumber      *int
	UpdatedAt        time.Time
}

// Readable reports whether the parameter has a source address on the PLC.
func (p Parameter) Readable() bool { return p.ModbusReadAddr != nil }

// Writable reports whether the parameter can accept a command write.
func (p Parameter) Writable() bool { return p.IsWritable && p.ModbusWriteAddr != nil }

// CommandKind enumerates the supported dispatcher command kinds.
type CommandKind string

const (
	KindSetParameter CommandKind = "set_parameter"
	KindOpenValve    CommandKind = "open_valve"
	KindCloseValve   CommandKind = "close_valve"
	KindPulseValve   CommandKind = "pulse_valve"
	KindPurge        CommandKind = "purge"
	KindStartRecipe  CommandKind = "start_recipe"
	KindStopRecipe   CommandKind = "stop_recipe"
)

// CommandStatus is the command row's lifecycle status. Terminal statuses
// (Completed, Failed) are never rewritten once set.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
)

// Command mirrors parameter_control_commands, generalized to the six
// command kinds beyond set_parameter; kind-specific fields travel in
// Payload.
type Command struct {
	ID                   string
	MachineID            string
	Kind                 CommandKind
	ComponentParameterID *string
	ParameterName        *string
	WriteModbusAddress   *uint16
	TargetValue          float64
	DataType             *DataType
	TimeoutMS            int
	Status               CommandStatus
	Error                *string
	Payload              json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StepKind enumerates recipe step types.
type StepKind string

const (
	StepValve     StepKind = "valve"
	StepPurge     StepKind = "purge"
	StepParameter StepKind = "parameter"
	StepLoop      StepKind = "loop"
)

// Step is one node of a recipe's step tree. Exactly one of the *Config
// fields is populated, selected by Kind. Loop steps carry their body as
// nested Steps, already ordered by sequence_number.
type Step struct {
	ID       string
	ParentID *string
	Seq      int
	Name     string
	Kind     StepKind

	Valve     *ValveStepConfig
	Purge     *PurgeStepConfig
	Parameter *ParameterStepConfig
	Loop      *LoopStepConfig
}

type ValveStepConfig struct {
	ValveNumber int
	DurationMS  int
	State       bool // true=on, false=off
}

type PurgeStepConfig struct {
	DurationMS int
	GasType    *string
	FlowRate   *float64
}

type ParameterStepConfig struct {
	ParameterID string
	Value       float64
}

type LoopStepConfig struct {
	IterationCount int
	Body           []Step
}

// Recipe mirrors recipes + recipe_steps + its *_step_config tables,
// flattened into a tree, plus recipe_parameters.
type Recipe struct {
	ID          string
	Name        string
	Description string
	MachineType string
	Steps       []Step
	Parameters  map[string]RecipeParameter
}

type RecipeParameter struct {
	Name       string
	Value      float64
	ParamType  string
	IsCritical bool
}

// ExecutionStatus is the process_executions row's lifecycle status.
type ExecutionStatus string

const (
	ExecPreparing ExecutionStatus = "preparing"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// ProcessExecution mirrors process_executions.
type ProcessExecution struct {
	ID          string
	RecipeID    string
	MachineID   string
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	OperatorID  string
	SessionID   string
}

// ProcessExecutionState mirrors process_execution_state, 1:1 with a
// ProcessExecution.
type ProcessExecutionState struct {
	ExecutionID        string
	CurrentStepID       *string
	CurrentOverallStep  int
	TotalOverallSteps   int
	ProgressPercentage  float64
	LoopIteration       *int
	StepStartTime       *time.Time
	LastUpdated         time.Time
}
