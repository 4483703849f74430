package main

import (
	"fmt"
	"strconv"
	"strings"
)

type stepKind int

const (
	stepPan stepKind = iota + 1
	stepZoom
	stepResize
	stepDate
)

// step is one viewport interaction of a probe script.
type step struct {
	kind   stepKind
	dx, dy float64 // pan
	zoom   int     // relative zoom change
	w, h   float64 // resize
	hours  float64 // date shift
}

func (s step) String() string {
	switch s.kind {
	case stepPan:
		return fmt.Sprintf("pan:%g,%g", s.dx, s.dy)
	case stepZoom:
		return fmt.Sprintf("zoom:%+d", s.zoom)
	case stepResize:
		return fmt.Sprintf("resize:%gx%g", s.w, s.h)
	case stepDate:
		return fmt.Sprintf("date:%+gh", s.hours)
	}
	return "unknown"
}

// parseScript parses a whitespace or semicolon separated list of steps:
//
//	pan:DX,DY  zoom:+N|-N  resize:WxH  date:+Hh|-Hh
func parseScript(src string) ([]step, error) {
	fields := strings.FieldsFunc(src, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	steps := make([]step, 0, len(fields))
	for _, f := range fields {
		s, err := parseStep(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func parseStep(f string) (step, error) {
	name, arg, ok := strings.Cut(f, ":")
	if !ok || arg == "" {
		return step{}, fmt.Errorf("invalid step %q", f)
	}
	switch strings.ToLower(name) {
	case "pan":
		xs, ys, ok := strings.Cut(arg, ",")
		if !ok {
			return step{}, fmt.Errorf("invalid pan %q: want DX,DY", arg)
		}
		dx, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return step{}, fmt.Errorf("invalid pan %q: %w", arg, err)
		}
		dy, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return step{}, fmt.Errorf("invalid pan %q: %w", arg, err)
		}
		return step{kind: stepPan, dx: dx, dy: dy}, nil
	case "zoom":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return step{}, fmt.Errorf("invalid zoom %q: %w", arg, err)
		}
		return step{kind: stepZoom, zoom: n}, nil
	case "resize":
		ws, hs, ok := strings.Cut(strings.ToLower(arg), "x")
		if !ok {
			return step{}, fmt.Errorf("invalid resize %q: want WxH", arg)
		}
		w, err := strconv.ParseFloat(ws, 64)
		if err != nil || w < 0 {
			return step{}, fmt.Errorf("invalid resize width %q", ws)
		}
		h, err := strconv.ParseFloat(hs, 64)
		if err != nil || h < 0 {
			return step{}, fmt.Errorf("invalid resize height %q", hs)
		}
		return step{kind: stepResize, w: w, h: h}, nil
	case "date":
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(arg), "h"), 64)
		if err != nil {
			return step{}, fmt.Errorf("invalid date shift %q: %w", arg, err)
		}
		return step{kind: stepDate, hours: v}, nil
	}
	return step{}, fmt.Errorf("unknown step %q", name)
}
