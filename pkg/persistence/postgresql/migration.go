package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Reusable state registry
			CREATE TABLE flow_states (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL CHECK (kind IN ('simple', 'form', 'approval', 'branch', 'start', 'finish')),
				sys_state VARCHAR(50) NOT NULL,
				tags JSONB DEFAULT '[]',
				approval_conf JSONB,
				form_conf JSONB,
				is_template BOOLEAN NOT NULL DEFAULT FALSE,
				disabled BOOLEAN NOT NULL DEFAULT FALSE,
				color VARCHAR(50),
				sort BIGINT NOT NULL DEFAULT 0,
				tenant VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_states_tenant ON flow_states(tenant);
			CREATE INDEX idx_flow_states_kind ON flow_states(kind);
			CREATE INDEX idx_flow_states_name ON flow_states(name);

			-- Workflow models
			CREATE TABLE flow_models (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				icon VARCHAR(255),
				info TEXT,
				kind VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_version_id UUID,
				tag VARCHAR(255) NOT NULL,
				is_main BOOLEAN NOT NULL DEFAULT FALSE,
				rel_model_id UUID,
				rel_template_ids JSONB DEFAULT '[]',
				rel_transition_id VARCHAR(255),
				tenant VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_models_tenant ON flow_models(tenant);
			CREATE INDEX idx_flow_models_tag ON flow_models(tag);
			CREATE INDEX idx_flow_models_status ON flow_models(status);

			-- Version graphs
			CREATE TABLE flow_versions (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				model_id UUID NOT NULL REFERENCES flow_models(id) ON DELETE CASCADE,
				status VARCHAR(50) NOT NULL CHECK (status IN ('editing', 'enabled', 'disabled')),
				init_state_id UUID,
				tenant VARCHAR(255) NOT NULL,
				published_by VARCHAR(255),
				published_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_versions_model_id ON flow_versions(model_id);
			CREATE INDEX idx_flow_versions_status ON flow_versions(status);

			-- Transitions, owned by exactly one version
			CREATE TABLE flow_transitions (
				id UUID PRIMARY KEY,
				version_id UUID NOT NULL REFERENCES flow_versions(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				from_state_id UUID NOT NULL,
				to_state_id UUID NOT NULL,
				transfer_by_auto BOOLEAN NOT NULL DEFAULT FALSE,
				transfer_by_timer VARCHAR(255),
				guard_by_creator BOOLEAN NOT NULL DEFAULT FALSE,
				guard_by_his_operators BOOLEAN NOT NULL DEFAULT FALSE,
				guard_by_assigned BOOLEAN NOT NULL DEFAULT FALSE,
				guard_by_spec_account_ids JSONB DEFAULT '[]',
				guard_by_spec_role_ids JSONB DEFAULT '[]',
				guard_by_spec_org_ids JSONB DEFAULT '[]',
				guard_by_other_conds JSONB DEFAULT '[]',
				vars_collect JSONB DEFAULT '[]',
				double_check JSONB,
				action_by_pre_callback VARCHAR(255),
				action_by_post_callback VARCHAR(255),
				post_actions JSONB DEFAULT '[]',
				sort BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_transitions_version_id ON flow_transitions(version_id);
			CREATE INDEX idx_flow_transitions_from_state ON flow_transitions(from_state_id);
			CREATE INDEX idx_flow_transitions_to_state ON flow_transitions(to_state_id);

			-- Running and finished instances
			CREATE TABLE flow_instances (
				id UUID PRIMARY KEY,
				code VARCHAR(255) NOT NULL,
				version_id UUID NOT NULL REFERENCES flow_versions(id),
				business_obj_id VARCHAR(255) NOT NULL,
				tag VARCHAR(255) NOT NULL,
				current_state_id UUID NOT NULL,
				main BOOLEAN NOT NULL DEFAULT FALSE,
				rel_child_objs JSONB DEFAULT '[]',
				artifacts JSONB NOT NULL DEFAULT '{}',
				transitions JSONB DEFAULT '[]',
				comments JSONB DEFAULT '[]',
				create_ctx JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finish_ctx JSONB,
				finish_time TIMESTAMP WITH TIME ZONE,
				finish_abort BOOLEAN NOT NULL DEFAULT FALSE,
				output_message TEXT,
				tenant VARCHAR(255) NOT NULL,
				revision BIGINT NOT NULL DEFAULT 1,
				last_timer_check TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_instances_tenant ON flow_instances(tenant);
			CREATE INDEX idx_flow_instances_obj ON flow_instances(tag, business_obj_id);
			CREATE INDEX idx_flow_instances_version_state ON flow_instances(version_id, current_state_id);
			CREATE INDEX idx_flow_instances_finish_time ON flow_instances(finish_time);

			-- Tagged relation edges
			CREATE TABLE flow_relations (
				kind VARCHAR(255) NOT NULL,
				from_id VARCHAR(255) NOT NULL,
				to_id VARCHAR(255) NOT NULL,
				name VARCHAR(255),
				ext TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (kind, from_id, to_id)
			);

			CREATE INDEX idx_flow_relations_from ON flow_relations(kind, from_id);
			CREATE INDEX idx_flow_relations_to ON flow_relations(kind, to_id);
		`,
	}
}
