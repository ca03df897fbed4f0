package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"

	"resnet-ce/internal/config"
	"resnet-ce/internal/kpi"
)

type args struct {
	KPIRoot       string `arg:"--kpi_root" help:"KPI root directory (default $CEROOT or the working directory)"`
	KPIStore      string `arg:"--kpi_store" help:"file or leveldb"`
	KPIPrefix     string `arg:"--kpi_prefix" help:"model prefix of the training KPIs"`
	UpdateHistory bool   `arg:"--update_history" help:"copy the latest records into the history after checking"`
}

func (args) Description() string {
	return "Compares the latest KPI records with their history and exits 1 on regression."
}

func main() {
	a := args{KPIStore: "file", KPIPrefix: "resnet30"}
	arg.MustParse(&a)
	if a.KPIRoot == "" {
		a.KPIRoot = config.DefaultKPIRoot()
	}

	ok, err := check(a, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kpi-check:", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

// check prints one row per tracked KPI and reports whether every active
// KPI passed.
func check(a args, w io.Writer) (bool, error) {
	store, err := kpi.OpenStore(a.KPIStore, a.KPIRoot)
	if err != nil {
		return false, err
	}
	defer store.Close()

	registry := kpi.DefaultRegistry(store, a.KPIPrefix)
	results, err := kpi.CheckAll(registry, store)
	if err != nil {
		return false, errors.Wrap(err, "compare")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KPI\tKIND\tCURRENT\tREFERENCE\tDIFF\tTHRESHOLD\tSTATUS")
	passed := true
	checked := 0
	for _, r := range results {
		if r.Skipped {
			continue
		}
		checked++
		status := "pass"
		switch {
		case !r.Active:
			status = "inactive"
		case !r.Pass:
			status = "FAIL"
			passed = false
		}
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%+.2f%%\t%.2f%%\t%s\n",
			r.Name, r.Kind, r.Current, r.Reference, r.Diff*100, r.Threshold*100, status)
	}
	if err := tw.Flush(); err != nil {
		return false, err
	}
	fmt.Fprintf(w, "%d of %d KPIs had records\n", checked, len(results))

	if a.UpdateHistory {
		if err := kpi.Promote(registry, store); err != nil {
			return false, err
		}
	}
	return passed, nil
}
