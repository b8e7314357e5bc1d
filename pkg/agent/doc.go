/*
Package agent implements the in-container side of the sandbox
lifecycle protocol. It runs as PID 1 of the sandbox image.

Startup:

 1. validate the environment the control plane injected (SANDBOX_ID,
    USER_ID, S3_BUCKET, S3_REGION, HOT_PATH, COLD_PATH,
    SHUTDOWN_TIMEOUT_SECONDS)
 2. hot sync down: mirror users/{user_id}/hot/ into HOT_PATH, with
    bounded exponential backoff
 3. cold mount: best effort FUSE mount of users/{user_id}/cold/ at
    COLD_PATH; the sandbox comes up without it on failure
 4. write the environment file for interactive shells
 5. write the readiness marker the control plane's probe polls for
 6. block until SIGTERM or SIGINT

Shutdown, bounded by SHUTDOWN_TIMEOUT_SECONDS:

 1. remove the readiness marker first, so probes fail during teardown
 2. hot sync up: mirror HOT_PATH back to users/{user_id}/hot/
 3. best-effort unmount of the cold tier
 4. exit 0; sync failures are logged but never block exit past the
    budget

The hot sync is best effort by design: writes made strictly during a
hard crash are lost, and that is the accepted trade for a sync protocol
with no server-side bookkeeping.
*/
package agent
