// Package coder defines the block coder driven by the encode loop and a
// synthetic implementation with a known rate-lambda behavior.
package coder

import (
	"context"

	"github.com/five82/encloop/internal/picture"
)

// BlockResult is the outcome of coding one block.
type BlockResult struct {
	Bits       float64
	Distortion float64
	Payload    []byte
}

// BlockCoder codes one block of a picture at a QP. Implementations must be
// safe for concurrent use on different blocks.
type BlockCoder interface {
	CodeBlock(ctx context.Context, pic *picture.Picture, blockIdx, qp int) (BlockResult, error)
}

// Func adapts a function to BlockCoder.
type Func func(ctx context.Context, pic *picture.Picture, blockIdx, qp int) (BlockResult, error)

// CodeBlock calls f.
func (f Func) CodeBlock(ctx context.Context, pic *picture.Picture, blockIdx, qp int) (BlockResult, error) {
	return f(ctx, pic, blockIdx, qp)
}
