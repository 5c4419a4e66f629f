package main

import (
	"github.com/sirupsen/logrus"

	maelstrom "github.com/gossip-glomers/maelstrom-node"
)

func main() {
	maelstrom.SetupLogging()

	n := maelstrom.NewNode()
	maelstrom.NewGenerateServer(n)

	if err := n.Run(); err != nil {
		logrus.WithError(err).Fatal("maelstrom-generate terminated")
	}
}
