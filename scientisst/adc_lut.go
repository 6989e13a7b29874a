package scientisst

// Two point characterization curves of the ESP32 SAR ADCs at 11dB
// attenuation, for a Vref of 1000mV (low) and 1200mV (high).
// Points are lutADCStepSize apart, starting at lutLowThresh.
var (
	lutADC1Low = [lutPoints]uint32{2240, 2297, 2352, 2405, 2457, 2512, 2564, 2616, 2664, 2709,
		2754, 2795, 2832, 2868, 2903, 2937, 2969, 3000, 3030, 3060}
	lutADC1High = [lutPoints]uint32{2667, 2706, 2745, 2780, 2813, 2844, 2873, 2901, 2928, 2956,
		2982, 3006, 3032, 3059, 3084, 3110, 3135, 3160, 3184, 3209}
	lutADC2Low = [lutPoints]uint32{2238, 2289, 2342, 2398, 2451, 2502, 2548, 2592, 2632, 2675,
		2711, 2746, 2780, 2813, 2844, 2873, 2901, 2928, 2956, 2982}
	lutADC2High = [lutPoints]uint32{2578, 2622, 2668, 2715, 2760, 2802, 2845, 2885, 2921, 2957,
		2993, 3029, 3061, 3092, 3122, 3151, 3179, 3206, 3232, 3257}
)
