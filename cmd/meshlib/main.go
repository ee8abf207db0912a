// Command meshlib builds the C archive embedded by the mobile hosts:
//
//	go build -buildmode=c-archive -o libmesh.a ./cmd/meshlib
//
// Arguments are copied with C.GoString; the library never keeps or frees
// caller memory. A NULL argument is an invalid argument.
package main

/*
#include <stdint.h>
*/
import "C"

import "github.com/bhandras/meshclient/sdk"

//export run_lib
func run_lib(url, email, password *C.char) C.int8_t {
	if url == nil || email == nil || password == nil {
		return C.int8_t(sdk.CodeInvalidArgument)
	}
	return C.int8_t(sdk.RunLib(C.GoString(url), C.GoString(email), C.GoString(password)))
}

//export stop_lib
func stop_lib() C.int8_t {
	return C.int8_t(sdk.StopLib())
}

//export session_code
func session_code() C.int8_t {
	return C.int8_t(sdk.SessionCode())
}

//export set_log_directory
func set_log_directory(dir *C.char) C.int8_t {
	if dir == nil {
		return C.int8_t(sdk.CodeInvalidArgument)
	}
	return C.int8_t(sdk.SetLogDirectory(C.GoString(dir)))
}

func main() {}
