//go:build cgo

package main

// Included only when cgo is enabled: registers the netlib BLAS backend
// (Accelerate on macOS, OpenBLAS on Linux) behind the affine function.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
