package container

import "testing"

func TestChunkLowersPassesThroughUnderLimit(t *testing.T) {
	p := &PreparedContainer{settings: &ContainerSettings{MutableBaseDir: t.TempDir()}, stageDir: t.TempDir()}
	lowers := make([]string, 10)
	for i := range lowers {
		lowers[i] = "lower"
	}
	got, err := p.chunkLowers(lowers)
	if err != nil {
		t.Fatalf("chunkLowers: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("chunkLowers() under the limit changed the count: got %d, want 10", len(got))
	}
}

func TestValidateRequiresMutableBaseDir(t *testing.T) {
	c := &ContainerSettings{}
	if err := c.validate(); err == nil {
		t.Error("validate() succeeded with empty MutableBaseDir; want error")
	}
}
