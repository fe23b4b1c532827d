package postgresql

import "github.com/dukex/stepflow/pkg/persistence/sqlbase"

func migrations() []sqlbase.Migration {
	return []sqlbase.Migration{
		{Version: 1, Description: "flow definitions", SQL: `
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				alias VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				schedule VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE flow_steps (
				flow_id VARCHAR(255) NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				from_object VARCHAR(255) NOT NULL DEFAULT '',
				to_object VARCHAR(255) NOT NULL DEFAULT '',
				prototype VARCHAR(255) NOT NULL,
				config JSONB,
				disabled BOOLEAN NOT NULL DEFAULT false,
				stop_flow_on_error BOOLEAN NOT NULL DEFAULT false,
				run_after_step VARCHAR(255) NOT NULL DEFAULT '',
				timeout_seconds INT NOT NULL DEFAULT 0,
				level INT NOT NULL DEFAULT 0,
				load_order INT NOT NULL DEFAULT 0,
				PRIMARY KEY (flow_id, id)
			);

			CREATE INDEX idx_flow_steps_flow_id ON flow_steps(flow_id);
		`},
		{Version: 2, Description: "run ledger", SQL: `
			CREATE TABLE flow_runs (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL,
				flow_alias VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				params JSONB,
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_flow_runs_flow_id ON flow_runs(flow_id, start_time DESC);

			CREATE TABLE step_runs (
				id VARCHAR(255) PRIMARY KEY,
				step_id VARCHAR(255) NOT NULL,
				flow_id VARCHAR(255) NOT NULL,
				flow_run_id VARCHAR(255) NOT NULL,
				position INT NOT NULL,
				timeout_seconds INT NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'success', 'error', 'disabled')),
				start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				end_time TIMESTAMP WITH TIME ZONE,
				output TEXT NOT NULL DEFAULT '',
				result_payload TEXT NOT NULL DEFAULT '',
				incremental BOOLEAN NOT NULL DEFAULT false,
				increment_value TEXT,
				previous_step_run_id VARCHAR(255),
				error_message TEXT NOT NULL DEFAULT '',
				error_id VARCHAR(255) NOT NULL DEFAULT '',
				diagnostics JSONB,
				invalidated BOOLEAN NOT NULL DEFAULT false
			);

			CREATE INDEX idx_step_runs_flow_run_id ON step_runs(flow_run_id);
			CREATE INDEX idx_step_runs_last_success ON step_runs(step_id, start_time DESC)
				WHERE status = 'success' AND NOT invalidated;
		`},
		{Version: 3, Description: "notes", SQL: `
			CREATE TABLE notes (
				seq BIGSERIAL PRIMARY KEY,
				ordering_id BIGINT NOT NULL,
				class VARCHAR(255) NOT NULL,
				flow_run_id VARCHAR(255) NOT NULL,
				step_run_id VARCHAR(255) NOT NULL DEFAULT '',
				message TEXT NOT NULL,
				severity VARCHAR(20) NOT NULL,
				counters JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_notes_flow_run_id ON notes(flow_run_id, seq);
		`},
	}
}
