package layer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{in: "SDO/AIA/AIA/171", want: Identity{"SDO", "AIA", "AIA", "171"}},
		{in: "/SOHO/LASCO/C2/white-light/", want: Identity{"SOHO", "LASCO", "C2", "white-light"}},
		{in: "SDO/AIA/171", wantErr: true},
		{in: "SDO/AIA//171", wantErr: true},
		{in: "SDO/AIA/AIA/17_1", wantErr: true},
		{in: "SDO/AIA/AIA/171/extra", wantErr: true},
		{in: "SDO/AIA/../171", wantErr: true},
		{in: "./AIA/AIA/171", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIdentity) {
					t.Fatalf("expected ErrInvalidIdentity, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != "SDO/AIA/AIA/171" && got.String() != "SOHO/LASCO/C2/white-light" {
				t.Fatalf("unexpected String(): %q", got.String())
			}
		})
	}
}

func TestDescriptorSunCenter(t *testing.T) {
	d := Descriptor{NativeWidth: 4096, NativeHeight: 2048, SunOffsetX: 10, SunOffsetY: -4}
	x, y := d.SunCenter()
	if x != 2038 || y != 1028 {
		t.Fatalf("SunCenter() = (%v, %v), want (2038, 1028)", x, y)
	}
}

func TestDescriptorValidate(t *testing.T) {
	ok := Descriptor{
		Identity:     Identity{"SDO", "AIA", "AIA", "171"},
		NativeWidth:  4096,
		NativeHeight: 4096,
		NativeScale:  0.6,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := ok
	bad.NativeScale = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero scale")
	}
	bad = ok
	bad.NativeWidth = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero width")
	}
	for _, off := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		bad = ok
		bad.SunOffsetX = off
		if err := bad.Validate(); err == nil {
			t.Errorf("expected error for x offset %v", off)
		}
		bad = ok
		bad.SunOffsetY = off
		if err := bad.Validate(); err == nil {
			t.Errorf("expected error for y offset %v", off)
		}
	}
}

func TestStaticLookupClosest(t *testing.T) {
	id := Identity{"SDO", "AIA", "AIA", "171"}
	base := time.Date(2011, 1, 12, 0, 0, 0, 0, time.UTC)
	l := NewStaticLookup(
		Descriptor{Identity: id, Timestamp: base, SourcePath: "a"},
		Descriptor{Identity: id, Timestamp: base.Add(10 * time.Minute), SourcePath: "b"},
		Descriptor{Identity: id, Timestamp: base.Add(20 * time.Minute), SourcePath: "c"},
	)

	tests := []struct {
		at   time.Time
		want string
	}{
		{base.Add(-time.Hour), "a"},
		{base.Add(4 * time.Minute), "a"},
		{base.Add(5 * time.Minute), "a"}, // tie goes to the earlier image
		{base.Add(6 * time.Minute), "b"},
		{base.Add(time.Hour), "c"},
	}
	for _, tt := range tests {
		got, err := l.Resolve(context.Background(), id, tt.at)
		if err != nil {
			t.Fatalf("Resolve(%v): %v", tt.at, err)
		}
		if got.SourcePath != tt.want {
			t.Errorf("Resolve(%v) = %s, want %s", tt.at, got.SourcePath, tt.want)
		}
	}

	_, err := l.Resolve(context.Background(), Identity{"SOHO", "EIT", "EIT", "304"}, base)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
