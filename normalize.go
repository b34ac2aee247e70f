// Copyright (C) The Cellscope Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellscope

import (
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

func standardize(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 {
		std = 1
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
}

// convergenceFailure records a gene whose covariate regression did
// not fit. Collected and reported; never aborts the batch.
type convergenceFailure struct {
	Gene string
	Err  error
}

func (f convergenceFailure) Error() string {
	return fmt.Sprintf("gene %s: %s", f.Gene, f.Err)
}

// logNormalize fills m.Values with log1p counts scaled to scale per
// cell.
func logNormalize(m *CountMatrix, scale float64) {
	totals := m.TotalCounts()
	ncells := len(m.Cells)
	m.Values = make([]float64, len(m.Genes)*ncells)
	for i, v := range m.Raw.Value {
		c := m.Raw.CellIdx[i]
		if totals[c] == 0 {
			continue
		}
		m.Values[int(m.Raw.GeneIdx[i])*ncells+int(c)] = math.Log1p(v * scale / totals[c])
	}
}

// regressOut replaces each gene's normalized values with the
// residuals of a Gaussian GLM on the named per-cell covariates.
// Genes are independent columns: a fit failure is recorded and the
// gene's values are left as-is. Fits run concurrently; results land
// per-gene, so output does not depend on scheduling.
func regressOut(m *CountMatrix, covariates []string) []convergenceFailure {
	ncells := len(m.Cells)
	design := make([][]float64, 0, len(covariates)+1)
	names := make([]string, 0, len(covariates)+1)
	icept := make([]float64, ncells)
	for i := range icept {
		icept[i] = 1
	}
	design = append(design, icept)
	names = append(names, "icept")
	for _, name := range covariates {
		col := make([]float64, ncells)
		copy(col, m.Meta.Floats[name])
		standardize(col)
		design = append(design, col)
		names = append(names, name)
	}

	var mtx sync.Mutex
	var failures []convergenceFailure
	thr := throttle{Max: runtime.GOMAXPROCS(0)}
	for g := range m.Genes {
		g := g
		thr.Go(func() error {
			row := m.Values[g*ncells : (g+1)*ncells]
			resid, err := fitResiduals(row, design, names)
			if err != nil {
				mtx.Lock()
				failures = append(failures, convergenceFailure{Gene: m.Genes[g], Err: err})
				mtx.Unlock()
				return nil
			}
			copy(row, resid)
			return nil
		})
	}
	thr.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].Gene < failures[j].Gene })
	return failures
}

func fitResiduals(y []float64, design [][]float64, names []string) (resid []float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			resid, err = nil, fmt.Errorf("regression did not converge")
		}
	}()
	data := make([][]statmodel.Dtype, 0, len(design)+1)
	outcome := make([]statmodel.Dtype, len(y))
	for i, v := range y {
		outcome[i] = statmodel.Dtype(v)
	}
	data = append(data, outcome)
	for _, col := range design {
		con := make([]statmodel.Dtype, len(col))
		for i, v := range col {
			con[i] = statmodel.Dtype(v)
		}
		data = append(data, con)
	}
	dataset := statmodel.NewDataset(data, append([]string{"y"}, names...))
	model, err := glm.NewGLM(dataset, "y", names, glmConfig)
	if err != nil {
		return nil, err
	}
	result := model.Fit()
	params := result.Params()
	for _, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("regression did not converge")
		}
	}
	resid = make([]float64, len(y))
	for i := range y {
		fitted := 0.0
		for j, col := range design {
			fitted += params[j] * col[i]
		}
		resid[i] = y[i] - fitted
	}
	return resid, nil
}

// normalizeCmd transforms raw counts into a variance-stabilized
// representation: log1p counts-per-10k, then optional per-gene
// regression residuals against metadata covariates such as
// mito_fraction.
type normalizeCmd struct{}

func (cmd *normalizeCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input snapshot `file`")
	outputFilename := flags.String("o", "-", "output snapshot `file`")
	scale := flags.Float64("scale", 1e4, "per-cell count depth to scale to before log1p")
	regress := flags.String("regress", "", "comma-separated numeric metadata `columns` to regress out (e.g. mito_fraction)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	m, err := ReadSnapshot(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	log.Infof("normalizing %d genes × %d cells", len(m.Genes), len(m.Cells))
	logNormalize(m, *scale)
	if *regress != "" {
		var covariates []string
		for _, name := range strings.Split(*regress, ",") {
			name = strings.TrimSpace(name)
			if _, ok := m.Meta.Floats[name]; !ok {
				err = fmt.Errorf("%w: no numeric metadata column %q (have %v)", ErrConfig, name, m.Meta.Columns())
				return 1
			}
			covariates = append(covariates, name)
		}
		log.Infof("regressing out %v", covariates)
		failures := regressOut(m, covariates)
		for _, f := range failures {
			log.Warnf("convergence failure: %s", f)
		}
		if len(failures) > 0 {
			log.Warnf("%d of %d genes kept unregressed values after failed fits", len(failures), len(m.Genes))
		}
	}
	m.Stage = "normalize"
	err = WriteSnapshot(m, *outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}
