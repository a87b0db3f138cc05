// Command dapctl is a thin CLI front end over pkg/session: attach to a
// target through a CMSIS-DAP probe, a Black Magic Probe, or the built-in
// simulator, then halt/resume/step cores, read and write registers and
// memory, manage hardware breakpoints, and capture core dumps.
package main

import "github.com/opendap-project/godap/cmd/dapctl/cmd"

func main() {
	cmd.Execute()
}
