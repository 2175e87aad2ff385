// internal/executor/prelude.go
// The generated SDK prelude prepended to every submitted script.  The child
// talks to the gateway exclusively through loopback HTTP with the holder's
// lease token; methods are synchronous and raise on any non-2xx reply so
// control returns to the executor on failure.
package executor

import (
	"fmt"
	"strings"
)

const preludeTemplate = `# generated prelude -- do not edit
import json as _json
import urllib.request as _rq
import urllib.error as _err

_GATEWAY = %q
_LEASE = %q


class RobotError(Exception):
    pass


def _call(method, path, body=None):
    req = _rq.Request(_GATEWAY + path, method=method)
    req.add_header("Content-Type", "application/json")
    req.add_header("X-Lease-Id", _LEASE)
    data = _json.dumps(body).encode() if body is not None else None
    try:
        with _rq.urlopen(req, data=data, timeout=60) as resp:
            return _json.loads(resp.read() or b"{}")
    except _err.HTTPError as e:
        raise RobotError(e.read().decode(errors="replace"))


class _Arm:
    def move_joints(self, values):
        return _call("POST", "/cmd/arm/move", {"mode": "joint_position", "values": list(values)})

    def move_pose(self, values):
        return _call("POST", "/cmd/arm/move", {"mode": "cartesian_pose", "values": list(values)})

    def move_delta(self, deltas):
        cur = _call("GET", "/state")["arm"]["state"]["joints"]
        return self.move_joints([c + d for c, d in zip(cur, deltas)])

    def stop(self):
        return _call("POST", "/cmd/arm/stop")


class _Base:
    def move_to(self, x, y, theta):
        return _call("POST", "/cmd/base/move", {"x": x, "y": y, "theta": theta})

    def move_delta(self, dx, dy, dtheta):
        cur = _call("GET", "/state")["base"]["state"]["pose"]
        return self.move_to(cur["x"] + dx, cur["y"] + dy, cur["theta"] + dtheta)

    def set_velocity(self, vx, vy, wz, frame="body"):
        return _call("POST", "/cmd/base/move", {"vx": vx, "vy": vy, "wz": wz, "frame": frame})

    def stop(self):
        return _call("POST", "/cmd/base/stop")


class _Gripper:
    def _do(self, action, **kw):
        body = {"action": action}
        body.update(kw)
        return _call("POST", "/cmd/gripper", body)

    def activate(self):
        return self._do("activate")

    def calibrate(self):
        return self._do("calibrate")

    def move(self, width, speed=0.05, force=0.0):
        return self._do("move", width=width, speed=speed, force=force)

    def open(self):
        return self._do("open")

    def close(self):
        return self._do("close")

    def grasp(self, width, force=20.0):
        return self._do("grasp", width=width, force=force)

    def stop(self):
        return self._do("stop")


class _Sensors:
    def state(self):
        return _call("GET", "/state")

    def arm(self):
        return _call("GET", "/state")["arm"]["state"]

    def base(self):
        return _call("GET", "/state")["base"]["state"]

    def gripper(self):
        return _call("GET", "/state")["gripper"]["state"]


class _Robot:
    def __init__(self):
        self.arm = _Arm()
        self.base = _Base()
        self.gripper = _Gripper()
        self.sensors = _Sensors()

    def rewind(self, steps, dry_run=False):
        return _call("POST", "/rewind/steps", {"steps": steps, "dry_run": dry_run})


robot = _Robot()
# end prelude

`

// Prelude renders the SDK shim for one execution.
func Prelude(gatewayAddr, leaseToken string) string {
	base := gatewayAddr
	if !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}
	return fmt.Sprintf(preludeTemplate, base, leaseToken)
}
