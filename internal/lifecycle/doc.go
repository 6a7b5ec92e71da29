// Package lifecycle is the component registry.
//
// Components are registered with a name, a kind, dependency names and
// optional hooks (derived from Startable, Stoppable, HealthCheckable and
// BoolHealthChecker when not given). StartAll starts them in a stable
// topological order and fails fast; StopAll reverses that order and is best
// effort. A supervised loop health-checks every component and publishes
// component.unhealthy / component.recovered on transitions.
package lifecycle
