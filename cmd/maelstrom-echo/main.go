package main

import (
	"github.com/sirupsen/logrus"

	maelstrom "github.com/gossip-glomers/maelstrom-node"
)

func main() {
	maelstrom.SetupLogging()

	n := maelstrom.NewNode()
	maelstrom.NewEchoServer(n)

	if err := n.Run(); err != nil {
		logrus.WithError(err).Fatal("maelstrom-echo terminated")
	}
}
