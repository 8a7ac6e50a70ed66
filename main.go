//go:build linux

package main

import "github.com/kkkday/zbd/cmd/zbdctl"

func main() {
	zbdctl.Execute()
}
