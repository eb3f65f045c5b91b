package workflow

// BuiltinDefinitions returns the workflow templates that ship with the
// module.
func BuiltinDefinitions() []*Definition {
	return []*Definition{
		LeadGenerationWorkflow(),
		ContentGenerationWorkflow(),
	}
}

// LeadGenerationWorkflow is a pipeline that searches for leads, enriches
// them, scores them, and validates contact data.
func LeadGenerationWorkflow() *Definition {
	return &Definition{
		ID:          "lead-generation-v1",
		Name:        "Lead Generation Pipeline",
		Description: "Multi-agent workflow for comprehensive lead generation",
		Type:        TypePipeline,
		Version:     "1.0.0",
		Steps: []Step{
			{
				ID:          "search",
				Name:        "Initial Search",
				Description: "Search for potential leads using multiple criteria",
				AgentType:   "search_agent",
				Task:        "search_leads",
				Parameters:  map[string]any{"sources": []any{"linkedin", "company_websites", "news"}},
			},
			{
				ID:           "enrich",
				Name:         "Data Enrichment",
				Description:  "Enrich lead data with additional information",
				AgentType:    "enrichment_agent",
				Task:         "enrich_profiles",
				Dependencies: []string{"search"},
				Parameters:   map[string]any{"fields": []any{"company_size", "industry", "social_profiles"}},
			},
			{
				ID:           "score",
				Name:         "Lead Scoring",
				Description:  "Score leads based on engagement and fit criteria",
				AgentType:    "analysis_agent",
				Task:         "score_leads",
				Dependencies: []string{"enrich"},
				Parameters:   map[string]any{"criteria": []any{"job_title_match", "company_size", "engagement"}},
			},
			{
				ID:           "validate",
				Name:         "Contact Validation",
				Description:  "Validate contact information and reachability",
				AgentType:    "validation_agent",
				Task:         "validate_contacts",
				Dependencies: []string{"score"},
				Parameters:   map[string]any{"validation_types": []any{"email", "phone", "social"}},
			},
		},
	}
}

// ContentGenerationWorkflow is a sequential research-to-publication
// content pipeline.
func ContentGenerationWorkflow() *Definition {
	return &Definition{
		ID:          "content-generation-v1",
		Name:        "Content Generation Pipeline",
		Description: "Multi-agent workflow for content creation and optimization",
		Type:        TypeSequential,
		Version:     "1.0.0",
		Steps: []Step{
			{
				ID:          "research",
				Name:        "Topic Research",
				Description: "Research trending topics and audience interests",
				AgentType:   "research_agent",
				Task:        "research_topic",
				Parameters:  map[string]any{"depth": "comprehensive"},
			},
			{
				ID:           "outline",
				Name:         "Content Outline",
				Description:  "Create detailed content outline and structure",
				AgentType:    "planning_agent",
				Task:         "create_outline",
				Dependencies: []string{"research"},
			},
			{
				ID:           "write",
				Name:         "Content Writing",
				Description:  "Write the main content based on outline",
				AgentType:    "writing_agent",
				Task:         "write_content",
				Dependencies: []string{"outline"},
				Parameters:   map[string]any{"tone": "professional", "length": "medium"},
			},
			{
				ID:           "edit",
				Name:         "Content Editing",
				Description:  "Edit and polish the written content",
				AgentType:    "editing_agent",
				Task:         "edit_content",
				Dependencies: []string{"write"},
			},
			{
				ID:           "optimize",
				Name:         "SEO Optimization",
				Description:  "Optimize content for search engines",
				AgentType:    "seo_agent",
				Task:         "optimize_seo",
				Dependencies: []string{"edit"},
			},
		},
	}
}
