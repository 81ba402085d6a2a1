// Package mlruntime owns the native inference resources of the pipeline:
// the interpreter Registry, the image BufferPool and the PressureMonitor
// that sizes both.
//
// Architecture:
//
//	Registry         - one live interpreter handle per key, mutex-guarded,
//	                   single-flight terminal Shutdown
//	BufferPool       - bounded reuse of scratch buffers keyed by
//	                   (width, height, format), resized under pressure
//	PressureMonitor  - stateless used/max memory sampling
//
// Both the Registry and the BufferPool run every mutation inside their own
// mutex. Callbacks handed to WithHandle run under the registry lock and must
// not call back into the Registry.
package mlruntime
