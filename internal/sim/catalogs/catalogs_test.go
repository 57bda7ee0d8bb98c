package catalogs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RepoConfigs(t *testing.T) {
	cats, err := Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	values := cats.StartingValues()
	want := map[string]int{"diamond": 8, "gold": 6, "wood": 2, "ore": 3, "food": 1, "iron": 2}
	for id, v := range want {
		if values[id] != v {
			t.Fatalf("value %s=%d want %d", id, values[id], v)
		}
	}
	if got := cats.DeckCounts()["iron"]; got != 300 {
		t.Fatalf("iron deck_count=%d want 300", got)
	}

	miner := cats.Buildings.ByID["miner"]
	if miner.Mine == nil || miner.Mine.Cap != 3 || !miner.Mine.Consumed {
		t.Fatalf("miner mine def: %+v", miner.Mine)
	}
	if miner.Recipe.Buildings["pickaxe"] != 1 || miner.Recipe.Resources["iron"] != 5 {
		t.Fatalf("miner recipe: %+v", miner.Recipe)
	}
	if adv := cats.Buildings.ByID["adv_miner"]; adv.Mine == nil || adv.Mine.Cap != 2 || !adv.Mine.OncePerPhase {
		t.Fatalf("adv_miner mine def: %+v", adv.Mine)
	}

	if len(cats.Events.Epochs) != 10 || len(cats.Events.ImmunityEpochs) != 5 {
		t.Fatalf("event epochs: %v / %v", cats.Events.Epochs, cats.Events.ImmunityEpochs)
	}
	total := 0
	for _, ev := range cats.Events.Deck {
		total += ev.Count
	}
	if total != 8 {
		t.Fatalf("event deck size=%d want 8", total)
	}
	if cats.Crate.Total != 10 {
		t.Fatalf("crate total weight=%d want 10", cats.Crate.Total)
	}
	if cats.Digest() == "" || cats.Resources.Digest == "" {
		t.Fatalf("missing digests")
	}
}

func TestLoad_RejectsUnknownRecipeInput(t *testing.T) {
	dir := copyConfigs(t)
	bad := `[{"id":"tower","recipe":{"buildings":{"castle":1}}}]`
	if err := os.WriteFile(filepath.Join(dir, "buildings.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected unknown building error")
	}
}

func TestLoad_RejectsZeroValue(t *testing.T) {
	dir := copyConfigs(t)
	bad := `[{"id":"gold","value":0,"deck_count":1}]`
	if err := os.WriteFile(filepath.Join(dir, "resources.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected value error")
	}
}

func copyConfigs(t *testing.T) string {
	t.Helper()
	src := filepath.Join("..", "..", "..", "configs")
	dst := t.TempDir()
	for _, name := range []string{"resources.json", "buildings.json", "events.json", "crate.json"} {
		b, err := os.ReadFile(filepath.Join(src, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dst, name), b, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dst
}
