package fleet

import "errors"

// ErrRobotUnreachable marks a robot the hub cannot talk to right now:
// unknown id, offline per the poller, or a routing request that failed.
// The last known snapshot stays cached; routing fails fast instead of
// queuing against a dead endpoint.
var ErrRobotUnreachable = errors.New("robot unreachable")
