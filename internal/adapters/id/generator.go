package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateSessionID() string {
	return g.generate("sess")
}

func (g *Generator) GenerateCallID() string {
	return g.generate("call")
}

func (g *Generator) GeneratePeerID() string {
	return g.generate("peer")
}

func (g *Generator) GenerateRoomID() string {
	return g.generate("room")
}

func (g *Generator) GenerateConnectionID() string {
	return g.generate("conn")
}

func (g *Generator) GenerateDeviceID() string {
	return g.generate("dev")
}

func (g *Generator) GenerateChunkID() string {
	return g.generate("chk")
}
