// Package device defines the BLE central model shared by the scanner, the
// connection manager and the transport adapters.
//
// It provides:
//   - AdapterState and ConnectionStatus values published by the manager
//   - GATT service and characteristic descriptions with property flags
//   - Central and Client transport interfaces implemented by adapters
//   - Classified errors and the GATT status code table
package device
