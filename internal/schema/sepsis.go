package schema

// Sepsis returns the field registry for the two-stage sepsis risk model.
// Field names, stage membership, and ranges follow the model's feature
// dictionary: S1 consumes bedside clinical features, S2 additionally
// consumes the laboratory panel.
func Sepsis() *Registry {
	both := []Stage{StageS1, StageS2}
	s1opt := []Stage{StageS1, StageS2}

	fields := []FieldDefinition{
		{
			Name: "age.months", Label: "Age", Type: TypeFloat, Unit: "months",
			Min: 0, Max: 180,
			RequiredBy: both,
			Aliases:    []string{"age"},
			Prompt:     "How old is the patient (in months or years)?",
		},
		{
			Name: "sex", Label: "Sex", Type: TypeCategorical,
			Enum: []EnumOption{
				{Label: "male", Code: 0, Aliases: []string{"boy", "son", "m"}},
				{Label: "female", Code: 1, Aliases: []string{"girl", "daughter", "f"}},
			},
			RequiredBy: both,
			Aliases:    []string{"sex", "gender"},
			Prompt:     "Is the patient male or female?",
		},
		{
			Name: "hr.all", Label: "Heart rate", Type: TypeInt, Unit: "bpm",
			Min: 40, Max: 250,
			RequiredBy:  both,
			Aliases:     []string{"hr", "heart rate", "pulse"},
			WeakAliases: []string{"rate"},
			Prompt:      "What is the heart rate (bpm)?",
		},
		{
			Name: "rr.all", Label: "Respiratory rate", Type: TypeInt, Unit: "breaths/min",
			Min: 10, Max: 120,
			RequiredBy:  both,
			Aliases:     []string{"rr", "resp rate", "respiratory rate", "breathing rate"},
			WeakAliases: []string{"rate"},
			Prompt:      "What is the respiratory rate (breaths per minute)?",
		},
		{
			Name: "oxy.ra", Label: "SpO2 on room air", Type: TypeInt, Unit: "%",
			Min: 50, Max: 100,
			RequiredBy: both,
			Aliases:    []string{"spo2", "sats", "sat", "oxygen", "oxygen saturation"},
			Prompt:     "What is the oxygen saturation on room air (%)?",
		},
		{
			Name: "temp.c", Label: "Temperature", Type: TypeFloat, Unit: "°C",
			Min: 30, Max: 45,
			OptionalFor: s1opt,
			Aliases:     []string{"temp", "temperature", "fever"},
			Prompt:      "What is the temperature (°C or °F)?",
		},
		{
			Name: "wfaz", Label: "Weight-for-age z-score", Type: TypeFloat,
			Min: -6, Max: 6,
			OptionalFor: s1opt,
			Aliases:     []string{"wfaz", "weight for age", "weight-for-age"},
			Prompt:      "What is the weight-for-age z-score?",
		},
		{
			Name: "SIRS_num", Label: "SIRS criteria met", Type: TypeInt,
			Min: 0, Max: 4,
			OptionalFor: s1opt,
			Aliases:     []string{"sirs", "sirs criteria"},
			Prompt:      "How many SIRS criteria are met (0-4)?",
		},
		{
			Name: "crt.long", Label: "Prolonged capillary refill", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"crt", "capillary refill", "cap refill"},
			Prompt:      "Is capillary refill prolonged (3 seconds or more)?",
		},
		{
			Name: "prior.care", Label: "Prior care sought", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"prior care", "seen elsewhere", "previous care"},
			Prompt:      "Was care sought elsewhere before this visit?",
		},
		{
			Name: "danger.sign", Label: "WHO danger sign", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"danger sign", "danger signs"},
			Prompt:      "Is any WHO danger sign present?",
		},
		{
			Name: "not.alert", Label: "Not alert", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"not alert", "lethargic", "lethargy", "drowsy", "drowsiness"},
			Prompt:      "Is the patient alert?",
		},
		{
			Name: "urti", Label: "Upper respiratory infection", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"urti", "upper respiratory"},
			Prompt:      "Are there signs of an upper respiratory tract infection?",
		},
		{
			Name: "lrti", Label: "Lower respiratory infection", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"lrti", "lower respiratory", "pneumonia"},
			Prompt:      "Are there signs of a lower respiratory tract infection?",
		},
		{
			Name: "diarrhoeal", Label: "Diarrhoeal illness", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"diarrhoea", "diarrhea", "diarrhoeal"},
			Prompt:      "Is there a diarrhoeal illness?",
		},
		{
			Name: "envhtemp", Label: "Ambient temperature", Type: TypeFloat, Unit: "°C",
			Min: 30, Max: 45,
			OptionalFor: s1opt,
			Aliases:     []string{"ambient temperature", "environmental temperature", "room temperature"},
			Prompt:      "What is the ambient temperature (°C)?",
		},
		{
			Name: "parenteral_screen", Label: "Parenteral antibiotics screen", Type: TypeBool,
			OptionalFor: s1opt,
			Aliases:     []string{"parenteral screen", "parenteral antibiotics"},
			Prompt:      "Does the patient screen positive for parenteral antibiotics?",
		},

		// Laboratory panel, required by S2 only.
		{
			Name: "CRP", Label: "C-reactive protein", Type: TypeFloat, Unit: "mg/L",
			Min: 0, Max: 500,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"crp", "c-reactive protein", "c reactive protein"},
			Prompt:     "What is the CRP (mg/L)?",
		},
		{
			Name: "PCT", Label: "Procalcitonin", Type: TypeFloat, Unit: "ng/mL",
			Min: 0, Max: 200,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"pct", "procalcitonin"},
			Prompt:     "What is the procalcitonin (ng/mL)?",
		},
		{
			Name: "Lactate", Label: "Lactate", Type: TypeFloat, Unit: "mmol/L",
			Min: 0, Max: 30,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"lactate"},
			Prompt:     "What is the lactate (mmol/L)?",
		},
		{
			Name: "WBC", Label: "White cell count", Type: TypeFloat, Unit: "x10^9/L",
			Min: 0, Max: 100,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"wbc", "white cell count", "white blood cells"},
			Prompt:     "What is the white cell count (x10^9/L)?",
		},
		{
			Name: "Neutrophils", Label: "Neutrophils", Type: TypeFloat, Unit: "x10^9/L",
			Min: 0, Max: 80,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"neutrophils", "neutrophil count", "anc"},
			Prompt:     "What is the neutrophil count (x10^9/L)?",
		},
		{
			Name: "Platelets", Label: "Platelets", Type: TypeFloat, Unit: "x10^9/L",
			Min: 0, Max: 2000,
			RequiredBy: []Stage{StageS2},
			Aliases:    []string{"platelets", "platelet count", "plt"},
			Prompt:     "What is the platelet count (x10^9/L)?",
		},
	}

	r, err := NewRegistry(fields)
	if err != nil {
		panic("schema: invalid built-in sepsis registry: " + err.Error())
	}
	return r
}
