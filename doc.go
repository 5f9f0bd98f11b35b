// Package printd contains the shared CAN bus primitives used by the
// 3dprintd motion stack : the CAN frame type, the abstract bus contract
// and the bus manager which routes received frames to subscribers.
package printd
