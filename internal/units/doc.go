// Package units watches the systemd units a deployment depends on (data
// feeds, brokers, databases) and reports them as one monitoring component.
//
// HealthCheck queries every configured unit over D-Bus. A unit that is
// failed, inactive or missing makes the component unhealthy. With
// RestartFailed set, failed units are restarted during the check, at most
// once per RestartCooldown.
package units
