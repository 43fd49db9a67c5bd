/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

// Invoice lifecycle statuses.
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusStamped    = "STAMPED"
	StatusFailed     = "FAILED"
	StatusPaid       = "PAID"
)

// Payment lifecycle statuses. StatusPaid and StatusFailed are shared with
// invoices; StatusPending only applies to payments.
const (
	StatusPending = "PENDING"
)
