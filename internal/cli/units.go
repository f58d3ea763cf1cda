package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/geo"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Unit sources for launch and run.
const (
	unitsGrid    = "grid"
	unitsPeriods = "periods"
)

// unitFlags describes the processing units and the job each one becomes.
type unitFlags struct {
	units  string
	region string
	bbox   string
	cell   float64
	start  string
	end    string
	step   int
	kind   string
	params []string
}

func (u *unitFlags) addGrid(cmd *cobra.Command) {
	cmd.Flags().StringVar(&u.region, "region", "", "GeoJSON file with the region polygon(s)")
	cmd.Flags().StringVar(&u.bbox, "bbox", "", "Region as minX,minY,maxX,maxY")
	cmd.Flags().Float64Var(&u.cell, "cell", 1.0, "Tile edge length in coordinate units")
}

func (u *unitFlags) addPeriods(cmd *cobra.Command) {
	cmd.Flags().StringVar(&u.start, "start", "", "First day, YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&u.end, "end", "", "Last day, YYYY-MM-DD (exclusive)")
	cmd.Flags().IntVar(&u.step, "step", 30, "Period length in days")
}

func (u *unitFlags) addJob(cmd *cobra.Command) {
	cmd.Flags().StringVar(&u.kind, "kind", string(types.KindImageExport), "Job kind: image-export, table-export, video-export, compute")
	cmd.Flags().StringArrayVarP(&u.params, "param", "p", nil, "Job parameter key=value (repeatable)")
}

// addAll registers every unit flag plus --units to pick the source.
func (u *unitFlags) addAll(cmd *cobra.Command) {
	cmd.Flags().StringVar(&u.units, "units", unitsGrid, "Unit source: grid or periods")
	u.addGrid(cmd)
	u.addPeriods(cmd)
	u.addJob(cmd)
}

func (u *unitFlags) loadRegion() (geo.Region, error) {
	switch {
	case u.region != "" && u.bbox != "":
		return geo.Region{}, errors.New("--region and --bbox are mutually exclusive")
	case u.region != "":
		return geo.LoadRegion(u.region)
	case u.bbox != "":
		return parseBBox(u.bbox)
	default:
		return geo.Region{}, errors.New("one of --region or --bbox is required")
	}
}

func (u *unitFlags) dateRange() (time.Time, time.Time, error) {
	if u.start == "" || u.end == "" {
		return time.Time{}, time.Time{}, errors.New("--start and --end are required")
	}
	start, err := temporal.ParseDate(u.start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := temporal.ParseDate(u.end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (u *unitFlags) tiles() ([]types.Tile, error) {
	region, err := u.loadRegion()
	if err != nil {
		return nil, err
	}
	return geo.Partition(region, u.cell)
}

func (u *unitFlags) periods() ([]types.Period, error) {
	start, end, err := u.dateRange()
	if err != nil {
		return nil, err
	}
	return temporal.Partition(start, end, u.step)
}

func (u *unitFlags) jobParams() (types.JobKind, map[string]interface{}, error) {
	params, err := parseParams(u.params)
	if err != nil {
		return "", nil, err
	}
	return types.JobKind(u.kind), params, nil
}

// configs builds one JobConfig per unit of the selected source.
func (u *unitFlags) configs() ([]types.JobConfig, error) {
	kind, params, err := u.jobParams()
	if err != nil {
		return nil, err
	}
	switch u.units {
	case unitsGrid:
		tiles, err := u.tiles()
		if err != nil {
			return nil, err
		}
		fn := controller.TileJob(kind, params)
		out := make([]types.JobConfig, len(tiles))
		for i, t := range tiles {
			out[i] = fn(t)
		}
		return out, nil
	case unitsPeriods:
		periods, err := u.periods()
		if err != nil {
			return nil, err
		}
		fn := controller.PeriodJob(kind, params)
		out := make([]types.JobConfig, len(periods))
		for i, p := range periods {
			out[i] = fn(p)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid --units %q (want %s or %s)", u.units, unitsGrid, unitsPeriods)
	}
}

func parseBBox(s string) (geo.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.Region{}, fmt.Errorf("invalid --bbox %q: want minX,minY,maxX,maxY", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.Region{}, fmt.Errorf("invalid --bbox %q: %w", s, err)
		}
		v[i] = f
	}
	return geo.Rectangle(v[0], v[1], v[2], v[3])
}

// parseParams turns key=value pairs into job params. Numbers and booleans
// are typed; everything else stays a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, kv := range pairs {
		key, val, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		params[key] = parseValue(val)
	}
	return params, nil
}

func parseValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
