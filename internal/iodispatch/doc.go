// Package iodispatch serves asynchronous chunk reads from mounted container
// files. Requests carry a priority and complete via callback on a dedicated
// dispatch goroutine, lowest priority value first.
package iodispatch
