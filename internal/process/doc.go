// Package process supervises long-running protocol daemons.
//
// A Supervisor starts a daemon in its own process group, then holds the
// start open for a grace window. Misconfigured daemons usually exit at
// once, and a start that does not survive the window is reported as a
// *StartFailedError carrying the daemon's stderr rather than as a
// successful Handle.
//
// Stopping works from a bare pid. The daemon may have been started by this
// process or by an earlier run whose in-memory handle is gone. Stop sends
// SIGTERM to the group, waits, then escalates to SIGKILL.
//
// The supervisor does not restart daemons. A failed start is surfaced and
// left for the caller to retry explicitly.
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{GraceWindow: 1500 * time.Millisecond}, logger)
//	h, err := sup.Start(ctx, process.Spec{
//	    Name:   "xray",
//	    Binary: "/opt/candyconnect/cores/xray/xray",
//	    Args:   []string{"run", "-c", "config.json"},
//	    Dir:    "/opt/candyconnect/cores/xray",
//	})
//	if err != nil {
//	    var sf *process.StartFailedError
//	    if errors.As(err, &sf) {
//	        log.Print(sf.Stderr)
//	    }
//	}
//	defer sup.Stop(ctx, h.PID)
package process
