package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_instances (
				id               TEXT PRIMARY KEY,
				workflow_id      TEXT NOT NULL,
				status           TEXT NOT NULL,
				current_step_id  TEXT,
				data             JSONB NOT NULL DEFAULT '{}',
				variables        JSONB NOT NULL DEFAULT '{}',
				context          JSONB NOT NULL DEFAULT '{}',
				triggered_by     TEXT NOT NULL DEFAULT '',
				trigger_type     TEXT NOT NULL,
				trigger_data     JSONB NOT NULL DEFAULT '{}',
				started_at       TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at     TIMESTAMP WITH TIME ZONE,
				paused_at        TIMESTAMP WITH TIME ZONE,
				duration_seconds BIGINT,
				error_message    TEXT NOT NULL DEFAULT '',
				error_step       TEXT NOT NULL DEFAULT '',
				retry_count      INTEGER NOT NULL DEFAULT 0,
				priority         TEXT NOT NULL,
				sla_deadline     TIMESTAMP WITH TIME ZONE,
				version          BIGINT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_instances_workflow_id
				ON workflow_instances (workflow_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_instances_status
				ON workflow_instances (status);
			CREATE INDEX IF NOT EXISTS idx_workflow_instances_sla_deadline
				ON workflow_instances (sla_deadline)
				WHERE sla_deadline IS NOT NULL;
		`,
		2: `
			CREATE TABLE IF NOT EXISTS workflow_tasks (
				id               TEXT PRIMARY KEY,
				instance_id      TEXT NOT NULL,
				step_id          TEXT NOT NULL DEFAULT '',
				name             TEXT NOT NULL,
				description      TEXT NOT NULL DEFAULT '',
				task_type        TEXT NOT NULL,
				status           TEXT NOT NULL,
				priority         TEXT NOT NULL,
				assignee_id      TEXT NOT NULL DEFAULT '',
				assigned_by      TEXT NOT NULL DEFAULT '',
				assignment_type  TEXT NOT NULL,
				form_data        JSONB NOT NULL DEFAULT '{}',
				form_schema      JSONB,
				attachments      JSONB NOT NULL DEFAULT '[]',
				comments         JSONB NOT NULL DEFAULT '[]',
				created_at       TIMESTAMP WITH TIME ZONE NOT NULL,
				assigned_at      TIMESTAMP WITH TIME ZONE,
				started_at       TIMESTAMP WITH TIME ZONE,
				completed_at     TIMESTAMP WITH TIME ZONE,
				due_date         TIMESTAMP WITH TIME ZONE,
				sla_hours        INTEGER,
				sla_deadline     TIMESTAMP WITH TIME ZONE,
				result           JSONB,
				completed_by     TEXT NOT NULL DEFAULT '',
				rejected_by      TEXT NOT NULL DEFAULT '',
				rejection_reason TEXT NOT NULL DEFAULT '',
				version          BIGINT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_tasks_instance_id
				ON workflow_tasks (instance_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_tasks_assignee_id
				ON workflow_tasks (assignee_id);
			CREATE INDEX IF NOT EXISTS idx_workflow_tasks_status
				ON workflow_tasks (status);
			CREATE INDEX IF NOT EXISTS idx_workflow_tasks_due_date
				ON workflow_tasks (due_date)
				WHERE due_date IS NOT NULL;
		`,
	}
}
