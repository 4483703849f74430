package extract

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/helio-tiles/server/internal/instrument"
	"github.com/helio-tiles/server/internal/layer"
	"github.com/helio-tiles/server/internal/tile"
)

var (
	aia171 = layer.Identity{Observatory: "SDO", Instrument: "AIA", Detector: "AIA", Measurement: "171"}
	lasco  = layer.Identity{Observatory: "SOHO", Instrument: "LASCO", Detector: "C2", Measurement: "white-light"}
	obs    = time.Date(2011, 1, 12, 0, 0, 0, 0, time.UTC)
)

func aiaDescriptor() layer.Descriptor {
	return layer.Descriptor{
		Identity:     aia171,
		Timestamp:    obs,
		SourcePath:   "aia.png",
		NativeWidth:  4096,
		NativeHeight: 4096,
		NativeScale:  0.6,
	}
}

func TestPlanInsideImage(t *testing.T) {
	p := Planner{TileSize: 512}

	// The tile just up-left of the sun center covers source [1024,2048]^2.
	plan, err := p.Plan(aiaDescriptor(), tile.NewAddress(aia171, obs, 1.2, -1, -1, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Ratio != 2 {
		t.Errorf("ratio = %v, want 2", plan.Ratio)
	}
	want := Rect{Left: 1024, Top: 1024, Right: 2048, Bottom: 2048}
	if diff := cmp.Diff(want, plan.ROI); diff != "" {
		t.Errorf("ROI mismatch (-want +got):\n%s", diff)
	}
	if plan.Padded || plan.Blank {
		t.Errorf("expected no padding and no blank, got padded=%v blank=%v", plan.Padded, plan.Blank)
	}
	if diff := cmp.Diff(Rect{Right: 512, Bottom: 512}, plan.Dest); diff != "" {
		t.Errorf("Dest mismatch (-want +got):\n%s", diff)
	}

	// Tile (0,0) starts at the sun center.
	plan, err = p.Plan(aiaDescriptor(), tile.NewAddress(aia171, obs, 1.2, 0, 0, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want = Rect{Left: 2048, Top: 2048, Right: 3072, Bottom: 3072}
	if diff := cmp.Diff(want, plan.ROI); diff != "" {
		t.Errorf("ROI mismatch (-want +got):\n%s", diff)
	}
	if plan.Padded || plan.Blank {
		t.Errorf("tile (0,0) should be fully inside the image")
	}
}

func TestPlanEntirelyOutside(t *testing.T) {
	p := Planner{TileSize: 512}
	plan, err := p.Plan(aiaDescriptor(), tile.NewAddress(aia171, obs, 1.2, 10, 10, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Blank {
		t.Fatalf("expected blank plan, got %+v", plan)
	}
	if plan.Mask != nil || plan.ColorTable != nil {
		t.Errorf("blank plans carry no post-processing")
	}
}

func TestPlanPartiallyOutside(t *testing.T) {
	p := Planner{TileSize: 512}
	// Move the sun 512px left of center so the tile left of it hangs off the image.
	desc := aiaDescriptor()
	desc.SunOffsetX = 512 // sun center at x=1536
	plan, err := p.Plan(desc, tile.NewAddress(aia171, obs, 2.4, -1, 0, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Padded || plan.Blank {
		t.Fatalf("expected padded, non-blank plan: %+v", plan)
	}
	if diff := cmp.Diff(Rect{Left: -512, Top: 2048, Right: 1536, Bottom: 4096}, plan.ROI); diff != "" {
		t.Errorf("ROI mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Rect{Left: 0, Top: 2048, Right: 1536, Bottom: 4096}, plan.Clip); diff != "" {
		t.Errorf("Clip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Rect{Left: 128, Top: 0, Right: 512, Bottom: 512}, plan.Dest); diff != "" {
		t.Errorf("Dest mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSunOffset(t *testing.T) {
	p := Planner{TileSize: 512}
	desc := aiaDescriptor()
	desc.SunOffsetX = 10
	desc.SunOffsetY = -20
	plan, err := p.Plan(desc, tile.NewAddress(aia171, obs, 0.6, 0, 0, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := Rect{Left: 2038, Top: 2068, Right: 2550, Bottom: 2580}
	if diff := cmp.Diff(want, plan.ROI); diff != "" {
		t.Errorf("ROI mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanMaskAndColorTable(t *testing.T) {
	p := Planner{TileSize: 512, Catalog: instrument.Default()}
	desc := layer.Descriptor{
		Identity:     lasco,
		Timestamp:    obs,
		NativeWidth:  1024,
		NativeHeight: 1024,
		NativeScale:  11.9,
	}
	plan, err := p.Plan(desc, tile.NewAddress(lasco, obs, 23.8, -1, 0, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mask == nil {
		t.Fatal("expected mask plan for LASCO C2")
	}
	if plan.Mask.SunCenterX != 512 || plan.Mask.SunCenterY != 0 {
		t.Errorf("sun center in tile px = (%v, %v), want (512, 0)", plan.Mask.SunCenterX, plan.Mask.SunCenterY)
	}
	inner := 2.2
	wantInner := inner * instrument.SolarRadius / 23.8
	if plan.Mask.InnerRadius != wantInner {
		t.Errorf("inner radius = %v, want %v", plan.Mask.InnerRadius, wantInner)
	}
	if diff := cmp.Diff(Rect{Left: -1024, Top: 0, Right: 0, Bottom: 1024}, plan.Mask.Region); diff != "" {
		t.Errorf("mask region mismatch (-want +got):\n%s", diff)
	}
	if plan.ColorTable == nil || plan.ColorTable.Asset != "SOHO_LASCO_C2" {
		t.Errorf("unexpected colour table: %+v", plan.ColorTable)
	}

	plan, err = p.Plan(aiaDescriptor(), tile.NewAddress(aia171, obs, 1.2, 0, 0, tile.PNG))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mask != nil {
		t.Error("AIA is not occulted")
	}
	if plan.ColorTable == nil || plan.ColorTable.Asset != "SDO_AIA_171" {
		t.Errorf("unexpected colour table: %+v", plan.ColorTable)
	}
}

func TestPlanDeterministic(t *testing.T) {
	p := Planner{TileSize: 256, Catalog: instrument.Default()}
	addr := tile.NewAddress(aia171, obs, 2.4, 3, -2, tile.JPEG)
	a, err := p.Plan(aiaDescriptor(), addr)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Plan(aiaDescriptor(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("plans differ:\n%s", diff)
	}
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	addr := tile.NewAddress(aia171, obs, 1.2, 0, 0, tile.PNG)
	if _, err := (Planner{TileSize: 0}).Plan(aiaDescriptor(), addr); err == nil {
		t.Error("expected error for zero tile size")
	}
	desc := aiaDescriptor()
	desc.NativeScale = 0
	if _, err := (Planner{TileSize: 512}).Plan(desc, addr); err == nil {
		t.Error("expected error for invalid descriptor")
	}
	if _, err := (Planner{TileSize: 512}).Plan(aiaDescriptor(), tile.NewAddress(lasco, obs, 1.2, 0, 0, tile.PNG)); err == nil {
		t.Error("expected error for layer mismatch")
	}
}
