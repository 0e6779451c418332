package validate

import "testing"

func TestProjectName(t *testing.T) {
	valid := []string{"a", "a1", "my-project", "a-b-c9"}
	for _, v := range valid {
		if err := ProjectName(v); err != nil {
			t.Errorf("expected %q valid, got %v", v, err)
		}
	}
	invalid := []string{"", "-abc", "abc-", "ABC", "my_project", "my project"}
	for _, v := range invalid {
		if err := ProjectName(v); err == nil {
			t.Errorf("expected %q invalid", v)
		}
	}
}

func TestSecretKey(t *testing.T) {
	valid := []string{"A", "A_B", "LLM_API_KEY", "_PRIVATE"}
	for _, v := range valid {
		if err := SecretKey(v); err != nil {
			t.Errorf("expected %q valid, got %v", v, err)
		}
	}
	invalid := []string{"", "a", "llm_api_key", "1ABC", "A-B"}
	for _, v := range invalid {
		if err := SecretKey(v); err == nil {
			t.Errorf("expected %q invalid", v)
		}
	}
}

func TestDirectionAndSupervisorAction(t *testing.T) {
	if err := Direction("above"); err != nil {
		t.Errorf("expected above valid: %v", err)
	}
	if err := Direction("sideways"); err == nil {
		t.Errorf("expected sideways invalid")
	}
	if err := SupervisorAction("pause"); err != nil {
		t.Errorf("expected pause valid: %v", err)
	}
	if err := SupervisorAction("delete"); err == nil {
		t.Errorf("expected delete invalid")
	}
}

func TestTaskCreateBody(t *testing.T) {
	valid := []byte(`{"name":"improve accuracy","description":"raise eval above 95%","type":"measurable","goal":{"description":"eval accuracy","target_value":0.95,"direction":"above"}}`)
	if err := TaskCreateBody(valid); err != nil {
		t.Fatalf("expected valid task body, got %v", err)
	}

	missingRequired := []byte(`{"name":"x"}`)
	if err := TaskCreateBody(missingRequired); err == nil {
		t.Fatalf("expected error for missing required fields")
	}

	badDirection := []byte(`{"name":"x","description":"y","type":"measurable","goal":{"description":"z","direction":"sideways"}}`)
	if err := TaskCreateBody(badDirection); err == nil {
		t.Fatalf("expected error for invalid direction enum")
	}
}
