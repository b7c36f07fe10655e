package main

// Version is the version of onion.
var Version = "0.1.0"
