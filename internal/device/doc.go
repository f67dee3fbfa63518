// Package device keeps the set of known drones and arbitrates control leases.
//
// A lease gives one caller exclusive command access to one drone until its
// expiry. Expiry is evaluated lazily: an expired lease is cleared by the next
// access check or lease request that touches the device, or by Sweep when
// periodic reaping is enabled.
package device
