package main

import "github.com/bmcszk/go-curlstep/internal/cli"

func main() {
	cli.Execute()
}
