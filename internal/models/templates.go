package models

// BuiltinTemplates returns the registry's seed workflow definitions,
// adapted from the three reference workflows bundled with the original
// content-optimization service (SEO, A/B testing, quality check).
func BuiltinTemplates() []WorkflowDefinition {
	return []WorkflowDefinition{seoOptimizationTemplate(), abTestingTemplate(), qualityCheckTemplate()}
}

func seoOptimizationTemplate() WorkflowDefinition {
	return WorkflowDefinition{
		Name:        "seo_content_optimization",
		Description: "Optimize content for search engines",
		Version:     "1.0.0",
		Category:    "seo",
		Tags:        []string{"seo", "optimization", "content"},
		IsActive:    true,
		Steps: []WorkflowStep{
			{
				ID:             "analyze_content",
				Name:           "Analyze Content",
				Type:           StepTypeAnalysis,
				TaskName:       "content_optimization.analyze_content",
				TaskArgs:       map[string]interface{}{"analysis_type": "seo"},
				TimeoutSeconds: 120,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:             "extract_keywords",
				Name:           "Extract Keywords",
				Type:           StepTypeAnalysis,
				TaskName:       "content_optimization.extract_keywords",
				DependsOn:      []string{"analyze_content"},
				TimeoutSeconds: 60,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:             "generate_seo_suggestions",
				Name:           "Generate SEO Suggestions",
				Type:           StepTypeOptimization,
				TaskName:       "content_optimization.generate_seo_suggestions",
				DependsOn:      []string{"extract_keywords"},
				TimeoutSeconds: 120,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:               "apply_optimizations",
				Name:             "Apply Optimizations",
				Type:             StepTypeTransformation,
				TaskName:         "content_optimization.apply_seo_optimizations",
				DependsOn:        []string{"generate_seo_suggestions"},
				TimeoutSeconds:   120,
				RequiresApproval: true,
				RetryPolicy:      DefaultRetryPolicy(),
			},
		},
	}
}

func abTestingTemplate() WorkflowDefinition {
	return WorkflowDefinition{
		Name:        "ab_testing_workflow",
		Description: "Create and manage A/B tests for content",
		Version:     "1.0.0",
		Category:    "ab_test",
		Tags:        []string{"testing", "optimization", "experimentation"},
		IsActive:    true,
		Steps: []WorkflowStep{
			{
				ID:             "create_test_variants",
				Name:           "Create Test Variants",
				Type:           StepTypeTransformation,
				TaskName:       "content_optimization.create_test_variants",
				TaskArgs:       map[string]interface{}{"num_variants": 2},
				TimeoutSeconds: 60,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:             "setup_traffic_split",
				Name:           "Setup Traffic Split",
				Type:           StepTypeCustom,
				TaskName:       "content_optimization.setup_traffic_split",
				DependsOn:      []string{"create_test_variants"},
				TimeoutSeconds: 60,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:             "monitor_performance",
				Name:           "Monitor Performance",
				Type:           StepTypeAnalysis,
				TaskName:       "content_optimization.monitor_test_performance",
				DependsOn:      []string{"setup_traffic_split"},
				TaskArgs:       map[string]interface{}{"check_interval": 3600},
				TimeoutSeconds: 3700,
				RetryPolicy:    DefaultRetryPolicy(),
			},
			{
				ID:             "calculate_winner",
				Name:           "Calculate Winner",
				Type:           StepTypeAnalysis,
				TaskName:       "content_optimization.calculate_test_winner",
				DependsOn:      []string{"monitor_performance"},
				TimeoutSeconds: 60,
				RetryPolicy:    DefaultRetryPolicy(),
			},
		},
	}
}

func qualityCheckTemplate() WorkflowDefinition {
	return WorkflowDefinition{
		Name:        "content_quality_check",
		Description: "Comprehensive content quality analysis",
		Version:     "1.0.0",
		Category:    "quality",
		Tags:        []string{"quality", "analysis", "validation"},
		IsActive:    true,
		Steps: []WorkflowStep{
			{ID: "grammar_check", Name: "Grammar Check", Type: StepTypeValidation, TaskName: "content_optimization.check_grammar", TimeoutSeconds: 60, RetryPolicy: DefaultRetryPolicy()},
			{ID: "readability_analysis", Name: "Readability Analysis", Type: StepTypeAnalysis, TaskName: "content_optimization.analyze_readability", TimeoutSeconds: 60, RetryPolicy: DefaultRetryPolicy()},
			{ID: "fact_checking", Name: "Fact Checking", Type: StepTypeValidation, TaskName: "content_optimization.fact_check", TimeoutSeconds: 120, RetryPolicy: DefaultRetryPolicy()},
			{ID: "plagiarism_check", Name: "Plagiarism Check", Type: StepTypeValidation, TaskName: "content_optimization.check_plagiarism", TimeoutSeconds: 120, RetryPolicy: DefaultRetryPolicy()},
			{
				ID:             "generate_quality_report",
				Name:           "Generate Quality Report",
				Type:           StepTypeAnalysis,
				TaskName:       "content_optimization.generate_quality_report",
				DependsOn:      []string{"grammar_check", "readability_analysis", "fact_checking", "plagiarism_check"},
				TimeoutSeconds: 60,
				RetryPolicy:    DefaultRetryPolicy(),
			},
		},
	}
}
