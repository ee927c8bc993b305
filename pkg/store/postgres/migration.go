package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE executions (
				id UUID PRIMARY KEY,
				task_id VARCHAR(255) NOT NULL,
				input JSONB,
				status VARCHAR(50) NOT NULL,
				result JSONB,
				error JSONB,
				attempt INT NOT NULL DEFAULT 1,
				max_attempts INT NOT NULL,
				timeout_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_task_id ON executions(task_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_created_at ON executions(created_at);

			CREATE TABLE step_results (
				execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				step_id VARCHAR(512) NOT NULL,
				value JSONB,
				status VARCHAR(50) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, step_id)
			);

			CREATE TABLE timers (
				id UUID PRIMARY KEY,
				execution_id UUID,
				step_id VARCHAR(512),
				schedule_id VARCHAR(255),
				type VARCHAR(50) NOT NULL,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL,
				claimed_by VARCHAR(255),
				claim_expires_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_timers_due ON timers(status, fire_at);
			CREATE INDEX idx_timers_step ON timers(execution_id, step_id);

			CREATE TABLE schedules (
				id VARCHAR(255) PRIMARY KEY,
				task_id VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				pattern VARCHAR(255),
				interval_ms BIGINT NOT NULL DEFAULT 0,
				input JSONB,
				status VARCHAR(50) NOT NULL,
				last_run TIMESTAMP WITH TIME ZONE,
				next_run TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE audit_entries (
				execution_id UUID NOT NULL,
				seq INT NOT NULL,
				kind VARCHAR(100) NOT NULL,
				label VARCHAR(512),
				data JSONB,
				at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, seq)
			);

			CREATE TABLE signal_waiters (
				id BIGSERIAL PRIMARY KEY,
				execution_id UUID NOT NULL,
				signal VARCHAR(255) NOT NULL,
				step_id VARCHAR(512) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX idx_signal_waiters_slot ON signal_waiters(execution_id, step_id);
			CREATE INDEX idx_signal_waiters_signal ON signal_waiters(execution_id, signal);

			CREATE TABLE signal_buffer (
				id BIGSERIAL PRIMARY KEY,
				execution_id UUID NOT NULL,
				signal VARCHAR(255) NOT NULL,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_signal_buffer_signal ON signal_buffer(execution_id, signal);

			CREATE TABLE idempotency_keys (
				task_id VARCHAR(255) NOT NULL,
				key VARCHAR(512) NOT NULL,
				execution_id UUID NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (task_id, key)
			);

			CREATE TABLE execution_locks (
				execution_id UUID PRIMARY KEY,
				owner VARCHAR(255) NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
	}
}
