package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "probe":
		return runWorker(args[2:], stdout, stderr, workerProbe)
	case "manager":
		return runWorker(args[2:], stdout, stderr, workerManager)
	case "approver":
		return runWorker(args[2:], stdout, stderr, workerApprover)
	case "executor":
		return runWorker(args[2:], stdout, stderr, workerExecutor)
	case "reaper":
		return runWorker(args[2:], stdout, stderr, workerReaper)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "freeze":
		return runFreeze(args[2:], stdout, stderr)
	case "guard":
		return runGuard(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 1
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: sentinel <command> [flags]

Commands:
  serve                 run the API server and all pipeline workers
  probe                 run only the health-probe worker
  manager               run only the incident manager
  approver              run only the approver
  executor              run only the executor
  reaper                run only the recovery reaper
  verify -snapshot f    verify an audit chain snapshot offline
  export [-out f]       snapshot the audit chain to a zip pack
  freeze set|clear      flip the global execution freeze
  guard "<command>"     ask /analyze for a decision (exit 0 allow, 2 deny, 3 review)
`)
}
