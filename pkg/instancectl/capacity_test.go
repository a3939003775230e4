package instancectl

import (
	"reflect"
	"testing"

	"github.com/kiloclaw/sandboxd/internal/store"
)

func TestDeprioritizeMovesFailedRegionToEnd(t *testing.T) {
	got := deprioritize([]string{"iad", "ord", "sjc"}, "ord")
	want := []string{"iad", "sjc", "ord"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deprioritize() = %v, want %v", got, want)
	}
}

func TestDeprioritizeNoOpWhenFailedRegionEmpty(t *testing.T) {
	in := []string{"iad", "ord"}
	got := deprioritize(in, "")
	if !reflect.DeepEqual(got, in) {
		t.Errorf("deprioritize() = %v, want unchanged %v", got, in)
	}
}

func TestRegionsOrDefaultPrependsCurrentRegion(t *testing.T) {
	c := &Controller{cfg: Config{DefaultRegions: []string{"iad", "ord"}}}
	rec := &store.InstanceRecord{FlyRegion: "sjc"}
	got := c.regionsOrDefault(rec)
	want := []string{"sjc", "iad", "ord"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("regionsOrDefault() = %v, want %v", got, want)
	}
}

func TestRegionsOrDefaultFallsBackWhenNoCurrentRegion(t *testing.T) {
	c := &Controller{cfg: Config{DefaultRegions: []string{"iad", "ord"}}}
	rec := &store.InstanceRecord{}
	got := c.regionsOrDefault(rec)
	want := []string{"iad", "ord"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("regionsOrDefault() = %v, want %v", got, want)
	}
}
