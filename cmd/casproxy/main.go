// Copyright © 2018 One Concern

package main

import (
	"github.com/oneconcern/casproxy/cmd/casproxy/cmd"
)

func main() {
	cmd.Execute()
}
