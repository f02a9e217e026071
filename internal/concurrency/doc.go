// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue building blocks for the schedulers: a bounded lock-free MPMC queue,
// a double ended work queue and the adaptive idle backoff of worker loops.
package concurrency
