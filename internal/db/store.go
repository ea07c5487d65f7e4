package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config configures the Postgres connection.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	Name        string
	SSLMode     string
	CallTimeout time.Duration
}

// Store is the typed persistence adapter: a thin wrapper over
// database/sql + lib/pq. All operations are idempotent at the row
// level (upsert-by-id); reads see a consistent snapshot per call.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	callTimeout time.Duration
}

// Open connects to Postgres and verifies reachability with a ping.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Store{db: sqlDB, log: log, callTimeout: timeout}, nil
}

// Raw returns the underlying *sql.DB connection pool.
func (s *Store) Raw() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// LoadParameters loads every parameter row for the machine, joined with
// its definition for name/unit/description.
func (s *Store) LoadParameters(ctx context.Context, machineID string) ([]Parameter, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT p.id, d.name, p.component_id, COALESCE(d.unit, ''), COALESCE(d.description, ''),
		       p.modbus_address, p.write_modbus_address, p.modbus_type, p.data_type,
		       p.min_value, p.max_value, p.current_value, p.set_value, p.is_writable,
		       COALESCE(p.is_critical, false), p.valve_number, p.updated_at
		FROM component_parameters p
		JOIN component_parameter_definitions d ON d.id = p.definition_id
		WHERE p.machine_id = $1
		ORDER BY d.name`

	rows, err := s.db.QueryContext(ctx, q, machineID)
	if err != nil {
		return nil, fmt.Errorf("loading parameters: %w", err)
	}
	defer rows.Close()

	var out []Parameter
	for rows.Next() {
		var p Parameter
		var readAddr, writeAddr sql.NullInt64
		var valveNumber sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &p.Component, &p.Unit, &p.Description,
			&readAddr, &writeAddr, &p.ModbusType, &p.DataType,
			&p.Min, &p.Max, &p.CurrentValue, &p.SetValue, &p.IsWritable,
			&p.IsCritical, &valveNumber, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning parameter: %w", err)
		}
		if readAddr.Valid {
			v := uint16(readAddr.Int64)
			p.ModbusReadAddr = &v
		}
		if writeAddr.Valid {
			v := uint16(writeAddr.Int64)
			p.ModbusWriteAddr = &v
		}
		if valveNumber.Valid {
			v := int(valveNumber.Int64)
			p.ValveNumber = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CurrentValueUpdate is one row of the Sync Loop's per-tick PLC->DB
// write-back batch.
type CurrentValueUpdate struct {
	ID    string
	Value float64
}

// WriteCurrentValues applies the sync loop's per-tick read-all results
// to the database in a single batched statement, keyed by id.
func (s *Store) WriteCurrentValues(ctx context.Context, updates []CurrentValueUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning current-value tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE component_parameters SET current_value = $1, updated_at = now() WHERE id = $2`)
	if err != nil {
		return fmt.Errorf("preparing current-value update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Value, u.ID); err != nil {
			return fmt.Errorf("writing current value for %s: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// WriteSetValue pushes a set-point update, used by the sync loop's
// external-edit capture path.
func (s *Store) WriteSetValue(ctx context.Context, id string, value float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE component_parameters SET set_value = $1, updated_at = now() WHERE id = $2`, value, id)
	return err
}

// PendingCommands selects commands awaiting dispatch, oldest first.
func (s *Store) PendingCommands(ctx context.Context, machineID string) ([]Command, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `
		SELECT id, machine_id, kind, component_parameter_id, parameter_name, write_modbus_address,
		       target_value, data_type, timeout_ms, status, error, payload, created_at, updated_at
		FROM parameter_control_commands
		WHERE machine_id = $1 AND status = $2
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, machineID, CommandPending)
	if err != nil {
		return nil, fmt.Errorf("polling pending commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		var writeAddr sql.NullInt64
		var dataType, paramID, paramName, cmdErr sql.NullString
		var payload []byte
		if err := rows.Scan(&c.ID, &c.MachineID, &c.Kind, &paramID, &paramName, &writeAddr,
			&c.TargetValue, &dataType, &c.TimeoutMS, &c.Status, &cmdErr, &payload, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		if len(payload) > 0 {
			c.Payload = payload
		}
		if paramID.Valid {
			c.ComponentParameterID = &paramID.String
		}
		if paramName.Valid {
			c.ParameterName = &paramName.String
		}
		if writeAddr.Valid {
			v := uint16(writeAddr.Int64)
			c.WriteModbusAddress = &v
		}
		if dataType.Valid {
			dt := DataType(dataType.String)
			c.DataType = &dt
		}
		if cmdErr.Valid {
			c.Error = &cmdErr.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TryClaim conditionally transitions a command from pending to
// processing. It returns false, nil if another worker already claimed
// it — never an error, since losing the race is an expected outcome of
// dedup across the poll and push intake paths.
func (s *Store) TryClaim(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		CommandProcessing, id, CommandPending)
	if err != nil {
		return false, fmt.Errorf("claiming command %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteCommand writes a terminal completed status. Never called on an
// already-terminal row by construction (the dispatcher holds the only
// processing claim).
func (s *Store) CompleteCommand(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET status = $1, updated_at = now() WHERE id = $2`,
		CommandCompleted, id)
	return err
}

// FailCommand writes a terminal failed status with a short machine-readable reason.
func (s *Store) FailCommand(ctx context.Context, id, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET status = $1, error = $2, updated_at = now() WHERE id = $3`,
		CommandFailed, reason, id)
	return err
}

// LoadRecipe loads a recipe's steps (flattened into a tree) and named
// parameters in a small number of queries.
func (s *Store) LoadRecipe(ctx context.Context, id string) (*Recipe, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	r := &Recipe{ID: id, Parameters: map[string]RecipeParameter{}}
	row := s.db.QueryRowContext(ctx, `SELECT name, description, machine_type FROM recipes WHERE id = $1`, id)
	if err := row.Scan(&r.Name, &r.Description, &r.MachineType); err != nil {
		return nil, fmt.Errorf("loading recipe %s: %w", id, err)
	}

	steps, err := s.loadSteps(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	r.Steps = steps

	paramRows, err := s.db.QueryContext(ctx, `SELECT parameter_name, parameter_value, parameter_type, is_critical FROM recipe_parameters WHERE recipe_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("loading recipe parameters: %w", err)
	}
	defer paramRows.Close()
	for paramRows.Next() {
		var rp RecipeParameter
		if err := paramRows.Scan(&rp.Name, &rp.Value, &rp.ParamType, &rp.IsCritical); err != nil {
			return nil, fmt.Errorf("scanning recipe parameter: %w", err)
		}
		r.Parameters[rp.Name] = rp
	}

	return r, paramRows.Err()
}

// loadSteps recursively loads the step tree for one nesting level,
// ordered by sequence_number. parentID nil selects the recipe's
// top-level steps.
func (s *Store) loadSteps(ctx context.Context, recipeID string, parentID *string) ([]Step, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, parent_step_id, sequence_number, name, type FROM recipe_steps
			 WHERE recipe_id = $1 AND parent_step_id IS NULL ORDER BY sequence_number`, recipeID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, parent_step_id, sequence_number, name, type FROM recipe_steps
			 WHERE recipe_id = $1 AND parent_step_id = $2 ORDER BY sequence_number`, recipeID, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var parent sql.NullString
		if err := rows.Scan(&st.ID, &parent, &st.Seq, &st.Name, &st.Kind); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		if parent.Valid {
			st.ParentID = &parent.String
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range steps {
		if err := s.loadStepConfig(ctx, &steps[i]); err != nil {
			return nil, err
		}
		if steps[i].Kind == StepLoop {
			body, err := s.loadSteps(ctx, recipeID, &steps[i].ID)
			if err != nil {
				return nil, err
			}
			steps[i].Loop.Body = body
		}
	}
	return steps, nil
}

func (s *Store) loadStepConfig(ctx context.Context, st *Step) error {
	switch st.Kind {
	case StepValve:
		var cfg ValveStepConfig
		var state bool
		row := s.db.QueryRowContext(ctx, `SELECT valve_number, duration_ms, state FROM valve_step_config WHERE step_id = $1`, st.ID)
		if err := row.Scan(&cfg.ValveNumber, &cfg.DurationMS, &state); err != nil {
			return fmt.Errorf("loading valve step config %s: %w", st.ID, err)
		}
		cfg.State = state
		st.Valve = &cfg
	case StepPurge:
		var cfg PurgeStepConfig
		var gasType sql.NullString
		var flowRate sql.NullFloat64
		row := s.db.QueryRowContext(ctx, `SELECT duration_ms, gas_type, flow_rate FROM purge_step_config WHERE step_id = $1`, st.ID)
		if err := row.Scan(&cfg.DurationMS, &gasType, &flowRate); err != nil {
			return fmt.Errorf("loading purge step config %s: %w", st.ID, err)
		}
		if gasType.Valid {
			cfg.GasType = &gasType.String
		}
		if flowRate.Valid {
			cfg.FlowRate = &flowRate.Float64
		}
		st.Purge = &cfg
	case StepParameter:
		var cfg ParameterStepConfig
		row := s.db.QueryRowContext(ctx, `SELECT component_parameter_id, value FROM parameter_step_config WHERE step_id = $1`, st.ID)
		if err := row.Scan(&cfg.ParameterID, &cfg.Value); err != nil {
			return fmt.Errorf("loading parameter step config %s: %w", st.ID, err)
		}
		st.Parameter = &cfg
	case StepLoop:
		var cfg LoopStepConfig
		row := s.db.QueryRowContext(ctx, `SELECT iteration_count FROM loop_step_config WHERE step_id = $1`, st.ID)
		if err := row.Scan(&cfg.IterationCount); err != nil {
			return fmt.Errorf("loading loop step config %s: %w", st.ID, err)
		}
		st.Loop = &cfg
	}
	return nil
}

// CreateExecution inserts a new process_executions row plus its paired
// process_execution_state row in one transaction.
func (s *Store) CreateExecution(ctx context.Context, exec ProcessExecution, totalSteps int) (*ProcessExecutionState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning execution tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO process_executions (id, recipe_id, machine_id, status, started_at, operator_id, session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.RecipeID, exec.MachineID, exec.Status, exec.StartedAt, exec.OperatorID, exec.SessionID)
	if err != nil {
		return nil, fmt.Errorf("inserting execution: %w", err)
	}

	state := ProcessExecutionState{
		ExecutionID:        exec.ID,
		CurrentOverallStep: 0,
		TotalOverallSteps:  totalSteps,
		LastUpdated:        time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO process_execution_state (execution_id, current_overall_step, total_overall_steps, progress_percentage, last_updated)
		 VALUES ($1, $2, $3, 0, $4)`,
		state.ExecutionID, state.CurrentOverallStep, state.TotalOverallSteps, state.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("inserting execution state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateExecutionState persists a step-boundary progress update.
func (s *Store) UpdateExecutionState(ctx context.Context, state ProcessExecutionState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE process_execution_state
		 SET current_step_id = $1, current_overall_step = $2, progress_percentage = $3,
		     loop_iteration = $4, step_start_time = $5, last_updated = now()
		 WHERE execution_id = $6`,
		state.CurrentStepID, state.CurrentOverallStep, state.ProgressPercentage,
		state.LoopIteration, state.StepStartTime, state.ExecutionID)
	return err
}

// FinishExecution writes the terminal status (completed, failed, or
// cancelled) and completed_at timestamp for an execution.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE process_executions SET status = $1, completed_at = now() WHERE id = $2`,
		status, id)
	return err
}

// ActiveExecution reports whether the machine already has a running or
// preparing execution, used to enforce the single-execution invariant.
func (s *Store) ActiveExecution(ctx context.Context, machineID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM process_executions WHERE machine_id = $1 AND status IN ($2, $3)`,
		machineID, ExecPreparing, ExecRunning).Scan(&count)
	return count > 0, err
}
