// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package zenflake

import (
	"fmt"
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

// NODE with id 0 is used for global resources like definitions

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits
)

// KeyGenerator hands out unique int64 keys. Engine components receive one
// through their constructors instead of reaching for a package level node.
type KeyGenerator interface {
	GenerateKey() int64
}

// Generator is a KeyGenerator backed by a snowflake node.
type Generator struct {
	node *snowflake.Node
}

var _ KeyGenerator = &Generator{}

// NewGenerator creates a generator for the given node id (0..1023).
func NewGenerator(nodeId int64) (*Generator, error) {
	if nodeId < 0 || nodeId > nodeMax {
		return nil, fmt.Errorf("snowflake node id %d out of range 0..%d", nodeId, nodeMax)
	}
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeId, err)
	}
	return &Generator{node: node}, nil
}

// NewEnvironmentGenerator derives the node id from a hash of the process environment.
// Two generators created in the same environment share a node id.
func NewEnvironmentGenerator() (*Generator, error) {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	return NewGenerator(int64(hash32.Sum32()) & nodeMax)
}

func (g *Generator) GenerateKey() int64 {
	return g.node.Generate().Int64()
}

func GetNodeMask() int64 {
	return nodeMask
}

// GetNodeId extracts the node id a key was generated on.
func GetNodeId(id int64) int64 {
	return (id & nodeMask) >> int64(nodeShift)
}
